package protocol

import (
	"sort"
	"strings"
)

// Engine command names.
const (
	CmdConnectionTest = "connection.test"

	CmdAuthRegister = "auth.register"
	CmdAuthLogin    = "auth.login"
	CmdAuthGoogle   = "auth.google"
	CmdAuthLogout   = "auth.logout"

	CmdDashboardOverview = "dashboard.overview"
	CmdDashboardMetrics  = "dashboard.metrics"
	CmdDashboardAlerts   = "dashboard.alerts"

	CmdAPIsGetAll     = "apis.get_all"
	CmdAPIsCreate     = "apis.create"
	CmdAPIsDetails    = "apis.details"
	CmdAPIsUpdate     = "apis.update"
	CmdAPIsDelete     = "apis.delete"
	CmdAPIsImportFile = "apis.import_file"
	CmdAPIsImportURL  = "apis.import_url"
	CmdAPIsKeySet     = "apis.key.set"

	CmdEndpointsList        = "endpoints.list"
	CmdEndpointsDetails     = "endpoints.details"
	CmdEndpointsTagsAdd     = "endpoints.tags.add"
	CmdEndpointsTagsRemove  = "endpoints.tags.remove"
	CmdEndpointsTagsReplace = "endpoints.tags.replace"
	CmdEndpointsFlagsAdd    = "endpoints.flags.add"
	CmdEndpointsFlagsRemove = "endpoints.flags.remove"

	CmdTagsList  = "tags.list"
	CmdFlagsList = "flags.list"

	CmdScanCreate   = "scan.create"
	CmdScanStart    = "scan.start"
	CmdScanStatus   = "scan.status"
	CmdScanProgress = "scan.progress"
	CmdScanStop     = "scan.stop"
	CmdScanResults  = "scan.results"
	CmdScanList     = "scan.list"

	CmdTemplatesList    = "templates.list"
	CmdTemplatesDetails = "templates.details"
	CmdTemplatesUse     = "templates.use"

	CmdUserProfileGet     = "user.profile.get"
	CmdUserProfileUpdate  = "user.profile.update"
	CmdUserSettingsGet    = "user.settings.get"
	CmdUserSettingsUpdate = "user.settings.update"

	CmdReportsList     = "reports.list"
	CmdReportsDetails  = "reports.details"
	CmdReportsDownload = "reports.download"
)

// Implemented lists the commands the engine answers with real behavior.
var Implemented = []string{
	CmdConnectionTest,
	CmdAPIsGetAll, CmdAPIsDetails, CmdAPIsUpdate, CmdAPIsDelete, CmdAPIsImportFile, CmdAPIsKeySet,
	CmdEndpointsList, CmdEndpointsDetails,
	CmdEndpointsTagsAdd, CmdEndpointsTagsRemove, CmdEndpointsTagsReplace,
	CmdEndpointsFlagsAdd, CmdEndpointsFlagsRemove,
	CmdTagsList, CmdFlagsList,
	CmdScanCreate, CmdScanStart, CmdScanStatus, CmdScanProgress, CmdScanStop, CmdScanResults, CmdScanList,
}

// Unimplemented lists commands the engine knows about but answers with
// "Not yet implemented". They are distinct from unknown commands.
var Unimplemented = []string{
	CmdAuthRegister, CmdAuthLogin, CmdAuthGoogle, CmdAuthLogout,
	CmdDashboardOverview, CmdDashboardMetrics, CmdDashboardAlerts,
	CmdAPIsCreate, CmdAPIsImportURL,
	CmdTemplatesList, CmdTemplatesDetails, CmdTemplatesUse,
	CmdUserProfileGet, CmdUserProfileUpdate, CmdUserSettingsGet, CmdUserSettingsUpdate,
	CmdReportsList, CmdReportsDetails, CmdReportsDownload,
}

// Known returns every command name in the namespace, sorted.
func Known() []string {
	out := make([]string, 0, len(Implemented)+len(Unimplemented))
	out = append(out, Implemented...)
	out = append(out, Unimplemented...)
	sort.Strings(out)
	return out
}

// IsKnown reports whether name belongs to the engine command namespace.
func IsKnown(name string) bool {
	for _, c := range Implemented {
		if c == name {
			return true
		}
	}
	for _, c := range Unimplemented {
		if c == name {
			return true
		}
	}
	return false
}

// Namespace returns the first dot-separated segment of a command name.
func Namespace(name string) string {
	if idx := strings.IndexByte(name, '.'); idx > 0 {
		return name[:idx]
	}
	return name
}
