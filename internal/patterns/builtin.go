package patterns

import (
	"regexp"
	"strings"
)

// BuiltinVersion is the revision of the compiled-in catalog.
const BuiltinVersion = "builtin-2026.10"

var genericSecretKeywords = []string{
	"secret", "token", "api_key", "apikey", "api-key", "password", "passwd",
	"credential", "bearer", "private", "auth",
}

func builtinSensitivePatterns() []*SensitivePattern {
	return []*SensitivePattern{
		// Financial
		{
			Name:      "credit_card",
			Category:  CategoryFinancial,
			Severity:  SeverityCritical,
			Matcher:   regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`),
			Validator: luhnCheck,
		},
		{
			Name:      "credit_card_formatted",
			Category:  CategoryFinancial,
			Severity:  SeverityCritical,
			Matcher:   regexp.MustCompile(`\b(?:4[0-9]{3}|5[1-5][0-9]{2}|6011)[-\s][0-9]{4}[-\s][0-9]{4}[-\s][0-9]{4}\b`),
			Validator: luhnCheck,
		},
		{
			Name:      "iban",
			Category:  CategoryFinancial,
			Severity:  SeverityHigh,
			Matcher:   regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`),
			Validator: validateIBAN,
		},
		{
			Name:     "bank_account",
			Category: CategoryFinancial,
			Severity: SeverityHigh,
			Matcher:  regexp.MustCompile(`(?i)\baccount\s*(?:no\.?|number|#)?\s*[:=]?\s*[0-9]{8,17}\b`),
		},
		{
			Name:      "routing_number",
			Category:  CategoryFinancial,
			Severity:  SeverityMedium,
			Matcher:   regexp.MustCompile(`\b[0-9]{9}\b`),
			Validator: validateRoutingNumber,
			ContextKeywords: []string{
				"routing", "aba", "transit",
			},
		},

		// PII
		{
			Name:      "us_ssn",
			Category:  CategoryPII,
			Severity:  SeverityCritical,
			Matcher:   regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`),
			Validator: validateSSN,
		},
		{
			Name:            "passport_number",
			Category:        CategoryPII,
			Severity:        SeverityHigh,
			Matcher:         regexp.MustCompile(`\b[A-Z][0-9]{8}\b`),
			ContextKeywords: []string{"passport"},
		},
		{
			Name:     "date_of_birth",
			Category: CategoryPII,
			Severity: SeverityMedium,
			Matcher:  regexp.MustCompile(`(?i)\b(?:dob|date\s+of\s+birth|born)\s*[:=]?\s*(?:(?:0[1-9]|1[0-2])[/-](?:0[1-9]|[12][0-9]|3[01])[/-](?:19|20)[0-9]{2}|(?:19|20)[0-9]{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12][0-9]|3[01]))\b`),
		},

		// Credentials
		{
			Name:     "aws_access_key",
			Category: CategoryCredentials,
			Severity: SeverityCritical,
			Matcher:  regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		},
		{
			Name:     "private_key",
			Category: CategoryCredentials,
			Severity: SeverityCritical,
			Matcher:  regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |ENCRYPTED )?PRIVATE KEY-----`),
		},
		{
			Name:     "github_token",
			Category: CategoryCredentials,
			Severity: SeverityCritical,
			Matcher:  regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b`),
		},
		{
			Name:     "slack_token",
			Category: CategoryCredentials,
			Severity: SeverityHigh,
			Matcher:  regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z-]{10,72}\b`),
		},
		{
			Name:      "jwt",
			Category:  CategoryCredentials,
			Severity:  SeverityHigh,
			Matcher:   regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
			Validator: validateJWT,
		},
		{
			Name:     "password_assignment",
			Category: CategoryCredentials,
			Severity: SeverityHigh,
			Matcher:  regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*['"]?[^'"\s]{8,}`),
		},
		{
			// Bare high-entropy tokens are too common in ordinary text to report
			// without a nearby keyword.
			Name:            "generic_secret",
			Category:        CategoryCredentials,
			Severity:        SeverityHigh,
			Matcher:         regexp.MustCompile(`\b[A-Za-z0-9_\-]{32,64}\b`),
			Validator:       looksRandom,
			ContextKeywords: genericSecretKeywords,
		},

		// Health
		{
			Name:     "medical_record_number",
			Category: CategoryHealth,
			Severity: SeverityHigh,
			Matcher:  regexp.MustCompile(`(?i)\b(?:mrn|medical\s*record\s*(?:no\.?|number|#)?)\s*[:=]?\s*[A-Z0-9]{6,12}\b`),
		},
		{
			Name:     "health_insurance_id",
			Category: CategoryHealth,
			Severity: SeverityHigh,
			Matcher:  regexp.MustCompile(`(?i)\b(?:insurance\s*(?:id|no\.?|number)|member\s*id)\s*[:=]?\s*[A-Z0-9]{9,15}\b`),
		},

		// Contact and network
		{
			Name:     "email_address",
			Category: CategoryContact,
			Severity: SeverityLow,
			Matcher:  regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		},
		{
			Name:     "phone_number",
			Category: CategoryContact,
			Severity: SeverityLow,
			Matcher:  regexp.MustCompile(`(?:\+[1-9][0-9]{0,2}[-.\s]?)?\(?[2-9][0-9]{2}\)?[-.\s][2-9][0-9]{2}[-.\s][0-9]{4}\b`),
		},
		{
			Name:     "ipv4_address",
			Category: CategoryNetwork,
			Severity: SeverityLow,
			Matcher:  regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
		},
	}
}

// eicar is assembled at init so this source file is not itself flagged.
var eicar = strings.Join([]string{
	`X5O!P%@AP[4\PZX54(P^)7CC)7}$`,
	`EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`,
}, "")

func builtinMalwareSignatures() []*MalwareSignature {
	return []*MalwareSignature{
		{
			Name:       "EICAR-Test-File",
			ThreatType: ThreatTestSignature,
			Severity:   SeverityHigh,
			Sequence:   []byte(eicar),
			Offset:     -1,
		},
		{
			Name:       "PowerShell.DownloadCradle",
			ThreatType: ThreatTrojan,
			Severity:   SeverityHigh,
			Sequence:   []byte("IEX(New-Object Net.WebClient).DownloadString"),
			Offset:     -1,
		},
		{
			Name:       "Ransom.ShadowCopyDelete",
			ThreatType: ThreatRansomware,
			Severity:   SeverityCritical,
			Sequence:   []byte("vssadmin delete shadows /all /quiet"),
			Offset:     -1,
		},
		{
			Name:       "HackTool.Mimikatz",
			ThreatType: ThreatCredentialTheft,
			Severity:   SeverityCritical,
			Sequence:   []byte("sekurlsa::logonpasswords"),
			Offset:     -1,
		},
	}
}
