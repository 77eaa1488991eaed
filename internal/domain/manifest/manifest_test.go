package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonManifest = `{
  "id": "acme.hello",
  "name": "Hello",
  "version": "1.2.3",
  "publisher": "acme",
  "permissions": ["storage", "ui"],
  "activationEvents": ["onCommand:hello.say", "workspaceContains:**/*.go"],
  "limits": {"memoryLimitMB": 64, "cpuTimeoutMs": 2000}
}`

const yamlManifest = `
id: acme.hello
name: Hello
version: 1.2.3
publisher: acme
permissions:
  - storage
  - ui
activationEvents:
  - onCommand:hello.say
  - workspaceContains:**/*.go
limits:
  memoryLimitMB: 64
  cpuTimeoutMs: 2000
`

const tomlManifest = `
id = "acme.hello"
name = "Hello"
version = "1.2.3"
publisher = "acme"
permissions = ["storage", "ui"]
activationEvents = ["onCommand:hello.say", "workspaceContains:**/*.go"]

[limits]
memoryLimitMB = 64.0
cpuTimeoutMs = 2000
`

func TestParseFormats(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{name: "json", data: jsonManifest, format: FormatJSON},
		{name: "yaml", data: yamlManifest, format: FormatYAML},
		{name: "toml", data: tomlManifest, format: FormatTOML},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(tt.data), tt.format)
			require.NoError(t, err)

			assert.Equal(t, "acme.hello", m.ID)
			assert.Equal(t, "1.2.3", m.Version)
			assert.Equal(t, []string{"storage", "ui"}, m.Permissions)
			assert.Len(t, m.ActivationEvents, 2)
			require.NotNil(t, m.Limits)
			assert.Equal(t, 64.0, m.Limits.MemoryLimitMB)
			assert.Equal(t, int64(2000), m.Limits.CPUTimeoutMs)
		})
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse([]byte("{not json"), FormatJSON)
	assert.Error(t, err)

	_, err = Parse([]byte(jsonManifest), Format("xml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := types.Manifest{ID: "acme.hello", Name: "Hello", Version: "1.0.0", Publisher: "acme"}
	require.NoError(t, Validate(valid))

	tests := []struct {
		name   string
		mutate func(m *types.Manifest)
	}{
		{name: "missing id", mutate: func(m *types.Manifest) { m.ID = "" }},
		{name: "bad id", mutate: func(m *types.Manifest) { m.ID = "../etc/passwd" }},
		{name: "missing name", mutate: func(m *types.Manifest) { m.Name = "" }},
		{name: "bad version", mutate: func(m *types.Manifest) { m.Version = "one" }},
		{name: "missing publisher", mutate: func(m *types.Manifest) { m.Publisher = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			assert.Error(t, Validate(m))
		})
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extension.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlManifest), 0o644))

	m, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "acme.hello", m.ID)

	_, err = ParseFile(filepath.Join(dir, "extension.ini"))
	assert.Error(t, err)
}

func TestShouldActivate(t *testing.T) {
	m := types.Manifest{ActivationEvents: []string{"onCommand:hello.say", "workspaceContains:**/go.mod"}}

	tests := []struct {
		name    string
		trigger string
		files   []string
		want    bool
	}{
		{name: "exact command", trigger: "onCommand:hello.say", want: true},
		{name: "other command", trigger: "onCommand:other", want: false},
		{name: "workspace match", trigger: "workspaceContains", files: []string{"README.md", "svc/go.mod"}, want: true},
		{name: "workspace miss", trigger: "workspaceContains", files: []string{"package.json"}, want: false},
		{name: "startup", trigger: "onStartupFinished", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldActivate(m, tt.trigger, tt.files))
		})
	}

	assert.True(t, ShouldActivate(types.Manifest{ActivationEvents: []string{"*"}}, "anything", nil))
}

func TestParseActivationEvent(t *testing.T) {
	assert.Equal(t, ActivationEvent{Kind: "onCommand", Arg: "a:b"}, ParseActivationEvent("onCommand:a:b"))
	assert.Equal(t, ActivationEvent{Kind: "onStartupFinished"}, ParseActivationEvent("onStartupFinished"))
}
