package positions

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/spillguard/spill-detection-service/perr"
)

func TestOpenPostgresRejectsBadURL(t *testing.T) {
	_, err := pgxpool.ParseConfig("::not a url::")
	require.Error(t, err)

	_, err = OpenPostgres(context.Background(), "::not a url::")
	require.True(t, perr.IsCode(err, perr.ErrorCodeStore), "got %v", err)
}
