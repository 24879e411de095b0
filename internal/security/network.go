package security

import (
	"fmt"
	"net/url"
	"strings"
)

// allowedHosts may be reached without restriction (local development).
var allowedHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
	"0.0.0.0":   {},
}

// curlUploadFlags indicate data upload (potential exfiltration).
var curlUploadFlags = []string{
	"-d", "--data",
	"--data-raw", "--data-binary", "--data-urlencode", "--data-ascii",
	"-F", "--form",
	"-T", "--upload-file",
	"--json",
}

// wgetUploadFlags indicate upload for wget (rare but possible).
var wgetUploadFlags = []string{
	"--post-data", "--post-file",
	"--body-data", "--body-file",
	"--method",
}

var uploadMethods = map[string]struct{}{
	"POST": {}, "PUT": {}, "PATCH": {},
}

func isLocalhost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	_, ok := allowedHosts[strings.ToLower(u.Hostname())]
	return ok
}

func matchesFlag(token, flag string) bool {
	return token == flag || strings.HasPrefix(token, flag+"=")
}

// extractURL finds the first URL-looking positional token. Flags in
// skipFlags take an argument, so the token after them is skipped.
func extractURL(tokens []string, skipFlags []string) string {
	skipNext := false
	for _, token := range tokens[1:] {
		if skipNext {
			skipNext = false
			continue
		}
		if strings.HasPrefix(token, "-") {
			for _, flag := range skipFlags {
				if matchesFlag(token, flag) {
					if !strings.Contains(token, "=") {
						skipNext = true
					}
					break
				}
			}
			continue
		}
		if strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://") || strings.HasPrefix(token, "ftp://") {
			return token
		}
		if _, local := allowedHosts[token]; local || strings.Contains(token, ".") {
			// Bare hostname (curl allows this).
			return "http://" + token
		}
	}
	return ""
}

// ValidateCurl validates curl commands in strict mode. GET requests are
// allowed to any host; uploads (data flags or POST/PUT/PATCH methods) are
// only allowed to localhost.
func ValidateCurl(command string) Result {
	tokens, err := tokenize(command)
	if err != nil {
		return Deny("Could not parse curl command")
	}
	if len(tokens) == 0 || tokens[0] != "curl" {
		return Deny("Not a curl command")
	}

	skipFlags := []string{
		"-o", "--output", "-O",
		"-H", "--header",
		"-A", "--user-agent",
		"-e", "--referer",
		"-u", "--user",
		"-x", "--proxy",
		"-b", "--cookie",
		"-c", "--cookie-jar",
		"--connect-timeout", "--max-time",
		"-w", "--write-out",
		"--retry", "--retry-delay",
	}
	skipFlags = append(skipFlags, curlUploadFlags...)

	hasUploadData := false
	uploadFlagFound := ""
	explicitMethod := ""

	for i := 1; i < len(tokens); i++ {
		token := tokens[i]

		for _, flag := range curlUploadFlags {
			if matchesFlag(token, flag) {
				hasUploadData = true
				uploadFlagFound = flag
				break
			}
		}

		if token == "-X" || token == "--request" {
			if i+1 < len(tokens) {
				explicitMethod = strings.ToUpper(tokens[i+1])
				i++
				continue
			}
		}

		if strings.HasPrefix(token, "-") {
			for _, flag := range skipFlags {
				if token == flag {
					i++ // skip the flag's argument
					break
				}
			}
		}
	}

	if u := extractURL(tokens, skipFlags); u != "" && isLocalhost(u) {
		return Allow()
	}

	_, methodIsUpload := uploadMethods[explicitMethod]
	if hasUploadData || methodIsUpload {
		if uploadFlagFound != "" {
			return Deny(fmt.Sprintf(
				"curl with %q blocked in strict mode (potential data exfiltration). "+
					"Only GET requests allowed to external hosts. Localhost requests are unrestricted.",
				uploadFlagFound))
		}
		return Deny(fmt.Sprintf(
			"curl %s blocked in strict mode (potential data exfiltration). "+
				"Only GET requests allowed to external hosts. Localhost requests are unrestricted.",
			explicitMethod))
	}
	return Allow()
}

// ValidateWget validates wget commands in strict mode with the same
// policy as ValidateCurl.
func ValidateWget(command string) Result {
	tokens, err := tokenize(command)
	if err != nil {
		return Deny("Could not parse wget command")
	}
	if len(tokens) == 0 || tokens[0] != "wget" {
		return Deny("Not a wget command")
	}

	skipFlags := []string{
		"-O", "--output-document",
		"-o", "--output-file",
		"-a", "--append-output",
		"--header",
		"--user-agent", "-U",
		"--referer",
		"--user", "--password",
		"--proxy-user", "--proxy-password",
		"-e", "--execute",
		"-t", "--tries",
		"-T", "--timeout",
		"-w", "--wait",
		"--limit-rate",
		"-P", "--directory-prefix",
	}
	skipFlags = append(skipFlags, wgetUploadFlags...)

	hasUploadData := false
	uploadFlagFound := ""
	explicitMethod := ""

	for i := 1; i < len(tokens); i++ {
		token := tokens[i]

		for _, flag := range wgetUploadFlags {
			// --method is only an upload when combined with POST/PUT/PATCH,
			// handled below.
			if flag != "--method" && matchesFlag(token, flag) {
				hasUploadData = true
				uploadFlagFound = flag
				break
			}
		}

		if token == "--method" {
			if i+1 < len(tokens) {
				explicitMethod = strings.ToUpper(tokens[i+1])
				i++
				continue
			}
		} else if strings.HasPrefix(token, "--method=") {
			explicitMethod = strings.ToUpper(strings.SplitN(token, "=", 2)[1])
		}

		if strings.HasPrefix(token, "-") {
			for _, flag := range skipFlags {
				if token == flag {
					i++
					break
				}
			}
		}
	}

	// wget usually has the URL as the last positional argument.
	var rawURL string
	for i := len(tokens) - 1; i >= 1; i-- {
		token := tokens[i]
		if !strings.HasPrefix(token, "-") &&
			(strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://") || strings.HasPrefix(token, "ftp://")) {
			rawURL = token
			break
		}
	}
	if rawURL != "" && isLocalhost(rawURL) {
		return Allow()
	}

	_, methodIsUpload := uploadMethods[explicitMethod]
	if hasUploadData || methodIsUpload {
		if uploadFlagFound != "" {
			return Deny(fmt.Sprintf(
				"wget with %q blocked in strict mode (potential data exfiltration). "+
					"Only GET requests allowed to external hosts. Localhost requests are unrestricted.",
				uploadFlagFound))
		}
		return Deny(fmt.Sprintf(
			"wget --method=%s blocked in strict mode (potential data exfiltration). "+
				"Only GET requests allowed to external hosts. Localhost requests are unrestricted.",
			explicitMethod))
	}
	return Allow()
}
