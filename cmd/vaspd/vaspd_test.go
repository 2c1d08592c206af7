package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymondfx/reference-wallet/logger"
)

const (
	addrA = "f72589b71ff4f8d139674a3f7369c69b"
	addrB = "c5ab123b15e0ef2a8f6e0f1e2ab1a3d2"
)

func writeConfig(t *testing.T, seed, peerKey string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "vasp.yaml")
	cfg := fmt.Sprintf(`address: %s
seed: %s
retry-attempts: 3
soft-match: true
peers:
  - address: %s
    baseURL: http://peer.example
    key: %s
`, addrA, seed, addrB, peerKey)
	require.NoError(t, os.WriteFile(file, []byte(cfg), 0o600))
	return file
}

func TestRun_configuration(t *testing.T) {
	file := writeConfig(t, keypair.MustRandom().Seed(), keypair.MustRandom().Address())
	t.Setenv("VASP_LOG_LEVEL", "DEBUG")

	var got *runConfig
	runFn = func(ctx context.Context, cfg *runConfig) error {
		got = cfg
		return nil
	}
	defer func() { runFn = runVASP }()

	a := newApp()
	a.baseCmd.SetArgs([]string{"run", "--config", file, "--listen", "127.0.0.1:0", "--retry-attempts", "7"})
	require.NoError(t, a.Execute(context.Background()))
	require.NotNil(t, got)

	assert.Equal(t, addrA, got.Address)
	assert.Equal(t, "127.0.0.1:0", got.Listen)
	assert.Equal(t, 7, got.RetryAttempts)
	assert.True(t, got.SoftMatch)
	assert.Equal(t, "DEBUG", got.Log.Level)
	require.Len(t, got.Peers, 1)
	assert.Equal(t, peerConfig{Address: addrB, BaseURL: "http://peer.example", Key: got.Peers[0].Key}, got.Peers[0])

	got.StorePath = filepath.Join(t.TempDir(), "payments.db")
	core, err := newVASP(got, logger.Discard(), prometheus.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, addrA, core.Address().OnchainString())
	require.NoError(t, core.Close())
}

func TestNewVASP_invalid(t *testing.T) {
	seed := keypair.MustRandom().Seed()
	testCases := []struct {
		name string
		cfg  runConfig
		err  string
	}{
		{name: "address", cfg: runConfig{Address: "zz", Seed: seed}, err: "vasp address"},
		{name: "no seed", cfg: runConfig{Address: addrA}, err: "seed of the compliance key is required"},
		{name: "seed", cfg: runConfig{Address: addrA, Seed: "S123"}, err: "parsing seed"},
		{name: "peer key", cfg: runConfig{Address: addrA, Seed: seed, Peers: []peerConfig{{Address: addrB, BaseURL: "http://b", Key: "G"}}}, err: "key of peer"},
		{name: "peer url", cfg: runConfig{Address: addrA, Seed: seed, Peers: []peerConfig{{Address: addrB, Key: keypair.MustRandom().Address()}}}, err: "base url of peer"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newVASP(&tc.cfg, logger.Discard(), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestRunVASP_shutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := &runConfig{
		Address:       addrA,
		Seed:          keypair.MustRandom().Seed(),
		Listen:        "127.0.0.1:0",
		RetryAttempts: 1,
		Log:           logger.LogConfiguration{Level: "discard", Format: "text", OutputPath: "discard"},
	}
	require.NoError(t, runVASP(ctx, cfg))
}

func TestKeys(t *testing.T) {
	kp := keypair.MustRandom()
	var out bytes.Buffer
	a := newApp()
	a.baseCmd.SetOut(&out)
	a.baseCmd.SetArgs([]string{"keys", "--seed", kp.Seed()})
	require.NoError(t, a.Execute(context.Background()))
	assert.Equal(t, "seed: "+kp.Seed()+"\naddress: "+kp.Address()+"\n", out.String())

	out.Reset()
	a = newApp()
	a.baseCmd.SetOut(&out)
	a.baseCmd.SetArgs([]string{"keys"})
	require.NoError(t, a.Execute(context.Background()))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	seed := strings.TrimPrefix(lines[0], "seed: ")
	generated, err := keypair.ParseFull(seed)
	require.NoError(t, err)
	assert.Equal(t, "address: "+generated.Address(), lines[1])
}

func TestConfig_missingFile(t *testing.T) {
	a := newApp()
	a.baseCmd.SetArgs([]string{"keys", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	err := a.Execute(context.Background())
	assert.ErrorContains(t, err, "initializing configuration")
}
