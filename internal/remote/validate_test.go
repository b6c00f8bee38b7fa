package remote

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

func TestValidateProjectName(t *testing.T) {
	for _, name := range []string{"demo", "my-app", "app_2", "a"} {
		assert.NoError(t, ValidateProjectName(name), name)
	}
	for _, name := range []string{"", "Demo", "-lead", "a b", "x;y", "; rm -rf /", strings.Repeat("a", 64), "../etc"} {
		err := ValidateProjectName(name)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput), name)
	}
}

func TestValidateDomain(t *testing.T) {
	for _, host := range []string{"demo.example.com", "a.b", "xn--bcher-kva.example"} {
		assert.NoError(t, ValidateDomain(host), host)
	}
	for _, host := range []string{"", "; rm -rf /", "exa mple.com", "-bad.example.com", "bad-.example.com", "a..b", "demo.example.com;", "$(id).example.com"} {
		assert.ErrorIs(t, ValidateDomain(host), domain.ErrInvalidInput, host)
	}
}

func TestValidateDeploymentRejectsInjectionBeforeAnyCommand(t *testing.T) {
	cases := []domain.ProjectDeployment{
		{Name: "; rm -rf /", Domain: "demo.example.com", Port: 3000},
		{Name: "demo", Domain: "; rm -rf /", Port: 3000},
		{Name: "demo", Domain: "demo.example.com", Port: 0},
		{Name: "demo", Domain: "demo.example.com", Port: 3000, Env: map[string]string{"BAD KEY": "x"}},
	}
	for _, p := range cases {
		err := ValidateDeployment(p)
		require.Error(t, err)
		assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
	}
	assert.NoError(t, ValidateDeployment(domain.ProjectDeployment{
		Name:   "demo",
		Domain: "demo.example.com",
		Port:   3000,
		Env:    map[string]string{"DATABASE_URL": "postgres://u:p@db/x"},
	}))
}

func TestValidateAddressAndPath(t *testing.T) {
	assert.NoError(t, ValidateAddress("172.18.0.5"))
	assert.NoError(t, ValidateAddress("fd00::5"))
	assert.NoError(t, ValidateAddress("app-demo"))
	assert.Error(t, ValidateAddress("1.2.3.4;id"))
	assert.NoError(t, ValidateURLPath("/healthz"))
	assert.Error(t, ValidateURLPath("/x?$(id)"))
	assert.Error(t, ValidatePath("/opt/../etc/passwd"))
	assert.Error(t, ValidatePath("relative/path"))
	assert.NoError(t, ValidatePath("/opt/deploy-manager/nginx/conf.d/demo.conf"))
}

func TestSanitizeProjectName(t *testing.T) {
	assert.Equal(t, "my-cool-app", SanitizeProjectName("  My Cool App! "))
	assert.Equal(t, "a_b", SanitizeProjectName("a_b"))
	assert.NoError(t, ValidateProjectName(SanitizeProjectName("Some/Weird:Name")))
}

func TestQuoteRoundTripsThroughSplitWords(t *testing.T) {
	values := []string{"plain", "with space", "it's", `back\slash`, "$(id) `x` ;|&", "Host(`demo.example.com`)", ""}
	for _, v := range values {
		words, err := SplitWords("echo " + Quote(v))
		require.NoError(t, err, v)
		require.Len(t, words, 2, v)
		assert.Equal(t, v, words[1])
	}
}

func TestSplitWordsRejectsUnterminatedQuote(t *testing.T) {
	_, err := SplitWords("echo 'oops")
	assert.Error(t, err)
}

func TestWriteFileCommandRejectsDelimiterInBody(t *testing.T) {
	_, err := WriteFileCommand("/tmp/x", "a\n"+HeredocDelimiter+"\nrm -rf /\n")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	cmd, err := WriteFileCommand("/tmp/x", "line $HOME")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cmd, "cat > '/tmp/x' <<'"+HeredocDelimiter+"'\n"))
	assert.True(t, strings.HasSuffix(cmd, "line $HOME\n"+HeredocDelimiter))
}
