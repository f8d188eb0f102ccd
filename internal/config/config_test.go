// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "tenant_", cfg.Tenancy.SchemaPrefix)
	assert.Equal(t, "tenant_{tenant_id}_app", cfg.Tenancy.UserTemplate)
	assert.Equal(t, []string{"subject", "from", "to", "text"}, cfg.Validation.RequiredMetaFields)
	assert.Equal(t, 20000, cfg.Validation.MaxTextLen)
	assert.Equal(t, 200, cfg.Report.RollingLimit)
	assert.Equal(t, "KI_Results", cfg.Report.Subfolder)
	assert.Equal(t, 10*time.Minute, cfg.Report.PresignExpiry)
	assert.Equal(t, 200000, cfg.Distribution.MaxPayloadBytes)
	assert.Equal(t, "file_sync", cfg.Persistence.Table)
	assert.False(t, cfg.Persistence.AutoMigrate)
	assert.Equal(t, "pending", cfg.Persistence.DefaultSyncStatus)
	assert.Equal(t, "available", cfg.Notify.DefaultStatus)
	assert.Equal(t, "amazon.titan-embed-text-v2:0", cfg.Embedding.ModelID)
	assert.Equal(t, 600*time.Millisecond, cfg.Analysis.RetryWaitMin)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("VALIDATION_STRICT", "true")
	t.Setenv("VALIDATION_TENANT_BLOCKLIST", " Acme ,,beta")
	t.Setenv("DISTRIBUTION_DEFAULT_CLIENTS", "web,mobile")
	t.Setenv("DB_HOST", "db.internal")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Validation.Strict)
	assert.Equal(t, []string{"acme", "beta"}, cfg.Validation.TenantBlocklist)
	assert.Equal(t, []string{"web", "mobile"}, cfg.Distribution.DefaultClients)
	assert.Equal(t, "db.internal", cfg.Directory.Host)
	assert.NoError(t, cfg.RequireDirectory())
}

func TestLoad_YAMLOverlayWinsAndExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
report:
  output_bucket: ${TEST_OUTPUT_BUCKET}
  rolling_limit: 50
analysis:
  default_host: analysis.internal:9000
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("TEST_OUTPUT_BUCKET", "reports-bucket")
	t.Setenv("REPORT_ROLLING_LIMIT", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "reports-bucket", cfg.Report.OutputBucket)
	assert.Equal(t, 50, cfg.Report.RollingLimit)
	assert.Equal(t, "analysis.internal:9000", cfg.Analysis.DefaultHost)
	// Keys absent from the file keep their env/default value.
	assert.Equal(t, "KI_Results", cfg.Report.Subfolder)
}

func TestValidate(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	t.Run("publish without redis", func(t *testing.T) {
		t.Setenv("DISTRIBUTION_PUBLISH", "true")
		_, err := Load()
		assert.ErrorIs(t, err, ErrMissingRequired)
	})

	t.Run("unknown storage driver", func(t *testing.T) {
		t.Setenv("STORAGE_DRIVER", "ftp")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("directory required", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		assert.ErrorIs(t, cfg.RequireDirectory(), ErrMissingRequired)
	})
}
