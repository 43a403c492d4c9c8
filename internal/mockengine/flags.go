package mockengine

// OWASP API Security Top 10 flags an endpoint can carry, plus SKIP.
var owaspFlags = []struct {
	Name  string
	Label string
}{
	{"BOLA", "1. Broken Object Level Authorization"},
	{"BKEN_AUTH", "2. Broken Authentication"},
	{"BOPLA", "3. Broken Object Property Level Authorization"},
	{"URC", "4. Unrestricted Resource Consumption"},
	{"BFLA", "5. Broken Function Level Authorization"},
	{"UABF", "6. Unrestricted Access to Sensitive Business Flows"},
	{"SSRF", "7. Server Side Request Forgery"},
	{"SEC_MISC", "8. Security Misconfiguration"},
	{"IIM", "9. Improper Inventory Management"},
	{"UCAPI", "10. Unsafe Consumption of APIs"},
	{"SKIP", "Don't test this endpoint"},
}

// FlagNames returns the valid flag names in their canonical order.
func FlagNames() []string {
	out := make([]string, len(owaspFlags))
	for i, f := range owaspFlags {
		out[i] = f.Name
	}
	return out
}

func validFlag(name string) bool {
	for _, f := range owaspFlags {
		if f.Name == name {
			return true
		}
	}
	return false
}

func flagCatalog() []map[string]string {
	out := make([]map[string]string, len(owaspFlags))
	for i, f := range owaspFlags {
		out[i] = map[string]string{"name": f.Name, "description": f.Label}
	}
	return out
}
