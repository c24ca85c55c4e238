// Command trackit is a CLI client for the Track-It service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	grpcserver "github.com/fenceit/trackit/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// ---- token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "trackit")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "trackit")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run `trackit login`)")
	}
	return tf.AccessToken, nil
}

// tokenExpiry reads exp without verifying the signature; the server does that.
func tokenExpiry(raw string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil //nolint:gosec // dev flag
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// caller is the subset of grpcserver.Client the commands use.
type caller interface {
	Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error)
}

type globalFlags struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
	timeout    time.Duration
}

func (g *globalFlags) dial() (caller, io.Closer, error) {
	token, err := loadToken()
	if err != nil {
		return nil, nil, err
	}
	var creds credentials.TransportCredentials
	if g.plaintext {
		creds = insecure.NewCredentials()
	} else if creds, err = loadTLS(g.caPath, g.skipVerify); err != nil {
		return nil, nil, err
	}
	cc, err := grpc.NewClient(g.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(bearerCreds{token: token, secure: !g.plaintext}),
	)
	if err != nil {
		return nil, nil, err
	}
	return grpcserver.NewClient(cc), cc, nil
}

// cli binds the commands to a connection factory and an output stream.
type cli struct {
	flags   globalFlags
	connect func() (caller, io.Closer, error)
	out     io.Writer
}

// call sends one request and prints the response.
func (c *cli) call(method string, req map[string]any) error {
	conn, closer, err := c.connect()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.flags.timeout)
	defer cancel()
	resp, err := conn.Call(ctx, method, req)
	if err != nil {
		return err
	}
	return c.printJSON(resp)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd(os.Stdout, nil).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree; connect overrides dialing when non-nil.
func newRootCmd(out io.Writer, connect func() (caller, io.Closer, error)) *cobra.Command {
	c := &cli{out: out, connect: connect}
	if c.connect == nil {
		c.connect = c.flags.dial
	}

	root := &cobra.Command{
		Use:          "trackit",
		Short:        "Track-It job costing client",
		Version:      fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.addr, "addr", envOr("TRACKIT_ADDR", "localhost:8443"), "server address")
	pf.StringVar(&c.flags.caPath, "cacert", "", "CA certificate (PEM)")
	pf.BoolVar(&c.flags.skipVerify, "insecure", false, "skip certificate verification (dev)")
	pf.BoolVar(&c.flags.plaintext, "plaintext", false, "connect without TLS (dev)")
	pf.DurationVar(&c.flags.timeout, "timeout", 30*time.Second, "per-request timeout")

	root.AddCommand(
		c.loginCmd(),
		c.jobCmd(),
		c.materialCmd(),
		c.sessionCmd(),
		c.backfillCmd(),
		c.aggregateDailyCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
