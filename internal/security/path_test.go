package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "relative file", path: "config.json"},
		{name: "nested relative file", path: "configs/dev/config.json"},
		{name: "absolute database path", path: "/var/lib/guardlink/chat.db"},
		{name: "dot segment", path: "./config.json"},
		{name: "name containing dots", path: "data/chat..db"},
		{name: "empty", path: "", wantErr: true},
		{name: "parent traversal", path: "../etc/passwd", wantErr: true},
		{name: "embedded traversal", path: "configs/../../secret.json", wantErr: true},
		{name: "NUL byte", path: "config\x00.json", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
