package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
	}{
		{"plain", "java -Xmx2G -jar server.jar nogui", []string{"java", "-Xmx2G", "-jar", "server.jar", "nogui"}},
		{"metachar", "./run.sh > out.log", []string{"/bin/sh", "-c", "./run.sh > out.log"}},
		{"explicit shell", "sh -c 'echo hi; echo there'", []string{"/bin/sh", "-c", "echo hi; echo there"}},
		{"empty", "   ", []string{"/bin/true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := Spec{Command: tt.command}.BuildCommand()
			assert.Equal(t, tt.want, cmd.Args)
		})
	}
}

func TestParseExplicitShell(t *testing.T) {
	after, ok := parseExplicitShell(`bash -c "exec ./bedrock_server"`)
	assert.True(t, ok)
	assert.Equal(t, "exec ./bedrock_server", after)

	_, ok = parseExplicitShell("java -jar server.jar")
	assert.False(t, ok)
}
