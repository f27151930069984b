package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// The repository binds Attributes.Extra as a plain Go string, including the
// empty string. A json-typed column would reject "" on insert, so the schema
// must keep the column as text.
func TestTokenMetadataExtraColumnIsText(t *testing.T) {
	script, err := migrationFiles.ReadFile("migrations/0002_token_metadata.sql")
	require.NoError(t, err)

	require.Contains(t, string(script), "extra TEXT NOT NULL DEFAULT ''")
	require.NotContains(t, strings.ToUpper(string(script)), "JSONB")
}
