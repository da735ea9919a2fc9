package policy

import (
	"regexp"
)

// SecretType classifies credential material found in a prompt
type SecretType string

const (
	SecretTypeAPIKey      SecretType = "api_key"
	SecretTypeAWSKey      SecretType = "aws_key"
	SecretTypeGCPKey      SecretType = "gcp_key"
	SecretTypeJWT         SecretType = "jwt"
	SecretTypePrivateKey  SecretType = "private_key"
	SecretTypeBearerToken SecretType = "bearer_token"
	SecretTypeGitHubToken SecretType = "github_token"
	SecretTypeSlackToken  SecretType = "slack_token"
)

// SecretFinding is one detected credential in a prompt
type SecretFinding struct {
	Type        SecretType
	Description string
}

// secretPattern pairs a compiled pattern with its classification
type secretPattern struct {
	re          *regexp.Regexp
	secretType  SecretType
	description string
}

var secretPatterns = []secretPattern{
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}\b`), SecretTypeAPIKey, "provider API key"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), SecretTypeAWSKey, "AWS access key"},
	{regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`), SecretTypeGCPKey, "GCP API key"},
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`), SecretTypeJWT, "JSON web token"},
	{regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|OPENSSH\s+|EC\s+|DSA\s+)?PRIVATE\s+KEY-----`), SecretTypePrivateKey, "private key block"},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-\.]{20,}`), SecretTypeBearerToken, "bearer token"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), SecretTypeGitHubToken, "GitHub token"},
	{regexp.MustCompile(`\bxox[baprs]-[0-9]{10,13}-[0-9]{10,13}-[A-Za-z0-9]{24,}\b`), SecretTypeSlackToken, "Slack token"},
}

// DetectSecrets scans text for credential material. At most one
// finding per secret type is reported.
func DetectSecrets(text string) []SecretFinding {
	var findings []SecretFinding
	seen := make(map[SecretType]struct{})

	for _, p := range secretPatterns {
		if _, done := seen[p.secretType]; done {
			continue
		}
		if p.re.MatchString(text) {
			seen[p.secretType] = struct{}{}
			findings = append(findings, SecretFinding{
				Type:        p.secretType,
				Description: p.description,
			})
		}
	}

	return findings
}
