package remote

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

// Allow-listed grammars for every value interpolated into a remote command.
var (
	projectNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
	domainLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	refPattern         = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)
	imagePattern       = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/:@-]{0,254}$`)
	envKeyPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)
	urlPathPattern     = regexp.MustCompile(`^/[A-Za-z0-9._~/-]*$`)
	sanitizePattern    = regexp.MustCompile(`[^a-z0-9_-]+`)
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateProjectName checks a project key used for file names, container
// names and proxy rule names.
func ValidateProjectName(name string) error {
	if !projectNamePattern.MatchString(name) {
		return domain.InvalidInput("validate", "project name %q must match %s", name, projectNamePattern)
	}
	return nil
}

// ValidateDomain checks a public hostname.
func ValidateDomain(host string) error {
	if len(host) == 0 || len(host) > 253 {
		return domain.InvalidInput("validate", "domain %q has invalid length", host)
	}
	if err := validate.Var(host, "hostname_rfc1123"); err != nil {
		return domain.InvalidInput("validate", "domain %q is not a valid hostname", host)
	}
	for _, label := range strings.Split(strings.ToLower(host), ".") {
		if !domainLabelPattern.MatchString(label) {
			return domain.InvalidInput("validate", "domain %q contains an invalid label", host)
		}
	}
	return nil
}

// ValidateRef checks a container name, container id or network name.
func ValidateRef(kind, ref string) error {
	if !refPattern.MatchString(ref) {
		return domain.InvalidInput("validate", "%s %q contains disallowed characters", kind, ref)
	}
	return nil
}

// ValidateImage checks an image reference.
func ValidateImage(image string) error {
	if !imagePattern.MatchString(image) {
		return domain.InvalidInput("validate", "image %q contains disallowed characters", image)
	}
	return nil
}

// ValidateEnvKey checks an environment variable name.
func ValidateEnvKey(key string) error {
	if !envKeyPattern.MatchString(key) {
		return domain.InvalidInput("validate", "environment key %q is invalid", key)
	}
	return nil
}

// ValidateAddress accepts an IP address or hostname.
func ValidateAddress(addr string) error {
	if net.ParseIP(addr) != nil {
		return nil
	}
	if err := ValidateDomain(addr); err != nil {
		return domain.InvalidInput("validate", "address %q is neither an IP nor a hostname", addr)
	}
	return nil
}

// ValidatePort checks a TCP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return domain.InvalidInput("validate", "port %d out of range", port)
	}
	return nil
}

// ValidateURLPath checks an HTTP path used by probes.
func ValidateURLPath(path string) error {
	if !urlPathPattern.MatchString(path) {
		return domain.InvalidInput("validate", "path %q contains disallowed characters", path)
	}
	return nil
}

// ValidateDeployment checks every field of a deployment intent.
func ValidateDeployment(p domain.ProjectDeployment) error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.InvalidInput("validate", "field %s failed %q", fe.Field(), fe.Tag())
		}
		return domain.InvalidInput("validate", "%v", err)
	}
	if err := ValidateProjectName(p.Name); err != nil {
		return err
	}
	if err := ValidateDomain(p.Domain); err != nil {
		return err
	}
	if err := ValidatePort(p.Port); err != nil {
		return err
	}
	for key := range p.Env {
		if err := ValidateEnvKey(key); err != nil {
			return err
		}
	}
	return nil
}

// SanitizeProjectName derives a project key from a display name.
func SanitizeProjectName(display string) string {
	s := sanitizePattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(display)), "-")
	s = strings.Trim(s, "-_")
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-_")
	}
	return s
}

// Quote wraps s in single quotes for POSIX shells.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// SplitWords tokenizes a shell command line honoring single quotes, double
// quotes and backslash escapes outside single quotes.
func SplitWords(command string) ([]string, error) {
	var (
		tokens   []string
		current  strings.Builder
		inSingle bool
		inDouble bool
		escape   bool
		started  bool
	)
	for _, r := range command {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case r == '\\' && !inSingle:
			escape = true
			started = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			started = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			started = true
		case (r == ' ' || r == '\t' || r == '\n' || r == '\r') && !inSingle && !inDouble:
			if started {
				tokens = append(tokens, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if escape || inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quoted string in command: %s", command)
	}
	if started {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
