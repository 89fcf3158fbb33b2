package config

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, NewDefaultConfig().Validate())
	require.NoError(t, NewTestConfig().Validate())
}

func TestLoadConfig(t *testing.T) {
	content := `
db-path = "/tmp/docshard-test"
log-level = "debug"
transaction-lifetime = "90s"
max-transaction-bytes = 1048576
coordinator-deadline = "45s"
retry-initial-interval = "500ms"
retry-max-interval = "10s"
`
	f, err := ioutil.TempFile("", "docshard-config")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c, err := LoadConfig(f.Name())
	require.NoError(t, err)
	require.Equal(t, "/tmp/docshard-test", c.DBPath)
	require.Equal(t, "debug", c.LogLevel)
	require.Equal(t, 90*time.Second, c.TransactionLifetime.Duration)
	require.Equal(t, uint64(1048576), c.MaxTransactionBytes)
	require.Equal(t, 45*time.Second, c.CoordinatorDeadline.Duration)
	require.Equal(t, 500*time.Millisecond, c.RetryInitialInterval.Duration)
	require.Equal(t, 10*time.Second, c.RetryMaxInterval.Duration)
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := NewDefaultConfig()
	c.DBPath = ""
	require.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.TransactionLifetime = NewDuration(0)
	require.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.MaxTransactionBytes = 0
	require.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.RetryInitialInterval = NewDuration(0)
	require.Error(t, c.Validate())
}
