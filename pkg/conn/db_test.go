package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	testCases := []struct {
		desc string
		opt  Option
		want string
	}{
		{
			desc: "defaults",
			opt:  Option{},
			want: "postgres://localhost:5432?sslmode=disable",
		},
		{
			desc: "full",
			opt: Option{
				Host:     "db",
				Port:     6543,
				User:     "lob",
				Password: "secret",
				Database: "archive",
				SSLMode:  "require",
				Params:   map[string]string{"application_name": "lobd"},
			},
			want: "postgres://lob:secret@db:6543/archive?application_name=lobd&sslmode=require",
		},
		{
			desc: "conn string wins",
			opt:  Option{Host: "db", ConnString: "postgres://x/y"},
			want: "postgres://x/y",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.want, tc.opt.dsn())
		})
	}
}

func TestNewSQLite(t *testing.T) {
	client, err := New(Option{Driver: DriverSQLite, Database: ":memory:"})
	require.NoError(t, err)
	require.NotNil(t, client.DB())
	require.NoError(t, client.DB().Exec("SELECT 1").Error)
	require.NoError(t, client.Close())

	_, err = New(Option{Driver: DriverSQLite})
	require.ErrorIs(t, err, ErrUnsupportedDriver)
	_, err = New(Option{Driver: "oracle"})
	require.ErrorIs(t, err, ErrUnsupportedDriver)
}
