// Package openstack implements provider.Provider against Nova, Neutron,
// and Glance's documented REST APIs. The surface vmmaster needs — boot,
// poll, rebuild, delete, one network lookup — is narrow enough that a
// small hand-rolled HTTP client beats carrying a generated SDK.
package openstack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/provider"
)

// AuthConfig holds the Keystone v3 credentials.
type AuthConfig struct {
	AuthURL  string
	Username string
	Password string
	Tenant   string
	Zone     string
}

// Config holds the settings the OpenStack factory needs.
type Config struct {
	Auth         AuthConfig
	NovaURL      string
	NeutronURL   string
	GlanceURL    string
	FlavorID     string
	SeleniumPort int
	LocalCIDR    string // used to pick the caller's tenant network, see resolveNetwork
	Ping         provider.PingConfig
}

// Factory creates Provider instances for OpenStack-backed VMs.
type Factory struct {
	cfg   Config
	http  *http.Client
	token string

	// authGroup collapses concurrent reauthentication attempts into one
	// Keystone call: every VM this factory owns shares one token, so a
	// burst of operations that all see it expire at once must not each
	// fire their own /auth/tokens request.
	authGroup singleflight.Group
}

// NewFactory authenticates against Keystone and returns a ready Factory.
func NewFactory(ctx context.Context, cfg Config) (*Factory, error) {
	f := &Factory{cfg: cfg, http: &http.Client{Timeout: 30 * time.Second}}
	if err := f.authenticate(ctx); err != nil {
		return nil, fmt.Errorf("openstack auth: %w", err)
	}
	return f, nil
}

func (f *Factory) authenticate(ctx context.Context) error {
	body := map[string]any{
		"auth": map[string]any{
			"identity": map[string]any{
				"methods": []string{"password"},
				"password": map[string]any{
					"user": map[string]any{
						"name":     f.cfg.Auth.Username,
						"password": f.cfg.Auth.Password,
						"domain":   map[string]string{"id": "default"},
					},
				},
			},
			"scope": map[string]any{
				"project": map[string]any{
					"name":   f.cfg.Auth.Tenant,
					"domain": map[string]string{"id": "default"},
				},
			},
		},
	}
	resp, err := f.post(ctx, f.cfg.Auth.AuthURL+"/auth/tokens", body, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("keystone returned %d", resp.StatusCode)
	}
	f.token = resp.Header.Get("X-Subject-Token")
	if f.token == "" {
		return fmt.Errorf("keystone did not return a token")
	}
	return nil
}

// reauthenticate re-fetches a Keystone token, deduplicating concurrent
// callers so N goroutines that all observe an expired token trigger
// exactly one /auth/tokens request.
func (f *Factory) reauthenticate(ctx context.Context) error {
	_, err, _ := f.authGroup.Do("auth", func() (any, error) {
		return nil, f.authenticate(ctx)
	})
	return err
}

func (f *Factory) post(ctx context.Context, url string, body any, authed bool) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	do := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if authed {
			req.Header.Set("X-Auth-Token", f.token)
		}
		return f.http.Do(req)
	}
	resp, err := do()
	if authed && err == nil && resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if rerr := f.reauthenticate(ctx); rerr != nil {
			return nil, rerr
		}
		return do()
	}
	return resp, err
}

func (f *Factory) get(ctx context.Context, url string) (*http.Response, error) {
	do := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Auth-Token", f.token)
		return f.http.Do(req)
	}
	resp, err := do()
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if rerr := f.reauthenticate(ctx); rerr != nil {
			return nil, rerr
		}
		return do()
	}
	return resp, err
}

// Platforms lists Glance images as platforms, using each image's name.
func (f *Factory) Platforms(ctx context.Context) ([]provider.PlatformInfo, error) {
	resp, err := f.get(ctx, f.cfg.GlanceURL+"/v2/images")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var decoded struct {
		Images []struct {
			Name string `json:"name"`
		} `json:"images"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	platforms := make([]provider.PlatformInfo, 0, len(decoded.Images))
	for _, img := range decoded.Images {
		platforms = append(platforms, provider.PlatformInfo{Name: img.Name, Node: f.cfg.Auth.Zone})
	}
	return platforms, nil
}

// resolveNetwork matches the caller's local CIDR against Neutron's
// subnet list, then returns the owning network's id — the tenant
// network new clones should attach to.
func (f *Factory) resolveNetwork(ctx context.Context) (networkID string, err error) {
	resp, err := f.get(ctx, f.cfg.NeutronURL+"/v2.0/subnets")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var subnets struct {
		Subnets []struct {
			ID        string `json:"id"`
			CIDR      string `json:"cidr"`
			NetworkID string `json:"network_id"`
		} `json:"subnets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&subnets); err != nil {
		return "", err
	}
	for _, s := range subnets.Subnets {
		if s.CIDR == f.cfg.LocalCIDR {
			return s.NetworkID, nil
		}
	}
	return "", fmt.Errorf("no subnet matches local CIDR %s", f.cfg.LocalCIDR)
}

// NewProvider returns a not-yet-created VM handle for platform, named name.
func (f *Factory) NewProvider(platform, name string) (provider.Provider, error) {
	ping := f.cfg.Ping
	if ping.Attempts == 0 {
		ping = provider.DefaultPingConfig()
	}
	return &vm{factory: f, platform: platform, name: name, ping: ping}, nil
}

type vm struct {
	factory  *Factory
	platform string
	name     string
	serverID string
	ip       string
	ping     provider.PingConfig
}

// Create boots a Nova server from the platform's image, polls until its
// status is ACTIVE, then waits for a response on SeleniumPort.
func (v *vm) Create(ctx context.Context) (provider.CreateResult, error) {
	networkID, err := v.factory.resolveNetwork(ctx)
	if err != nil {
		return provider.CreateResult{}, err
	}

	body := map[string]any{
		"server": map[string]any{
			"name":      v.name,
			"imageRef":  v.platform,
			"flavorRef": v.factory.cfg.FlavorID,
			"networks":  []map[string]string{{"uuid": networkID}},
		},
	}
	resp, err := v.factory.post(ctx, v.factory.cfg.NovaURL+"/servers", body, true)
	if err != nil {
		return provider.CreateResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return provider.CreateResult{}, fmt.Errorf("nova create returned %d", resp.StatusCode)
	}
	var created struct {
		Server struct {
			ID string `json:"id"`
		} `json:"server"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return provider.CreateResult{}, err
	}
	v.serverID = created.Server.ID

	ip, err := v.pollActive(ctx)
	if err != nil {
		_ = v.Delete(context.Background())
		return provider.CreateResult{}, err
	}
	v.ip = ip

	if err := v.Ping(ctx, v.factory.cfg.SeleniumPort); err != nil {
		_ = v.Delete(context.Background())
		return provider.CreateResult{}, fmt.Errorf("vm did not become ready: %w", err)
	}

	return provider.CreateResult{Ready: true, IP: v.ip}, nil
}

func (v *vm) pollActive(ctx context.Context) (string, error) {
	deadline := time.Now().Add(v.ping.RetryPause * time.Duration(v.ping.Attempts))
	for time.Now().Before(deadline) {
		ip, active, err := v.serverStatus(ctx)
		if err != nil {
			return "", err
		}
		if active {
			return ip, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(v.ping.RetryPause):
		}
	}
	return "", fmt.Errorf("timed out waiting for server %s to become ACTIVE", v.serverID)
}

func (v *vm) serverStatus(ctx context.Context) (ip string, active bool, err error) {
	resp, err := v.factory.get(ctx, v.factory.cfg.NovaURL+"/servers/"+v.serverID)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", false, provider.ErrNotExist
	}
	var decoded struct {
		Server struct {
			Status    string `json:"status"`
			Addresses map[string][]struct {
				Addr string `json:"addr"`
			} `json:"addresses"`
		} `json:"server"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", false, err
	}
	if decoded.Server.Status != "ACTIVE" {
		return "", false, nil
	}
	for _, addrs := range decoded.Server.Addresses {
		if len(addrs) > 0 {
			return addrs[0].Addr, true, nil
		}
	}
	return "", false, nil
}

// Delete is idempotent: a 404 from Nova is treated as success.
func (v *vm) Delete(ctx context.Context) error {
	if v.serverID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, v.factory.cfg.NovaURL+"/servers/"+v.serverID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-Token", v.factory.token)
	resp, err := v.factory.http.Do(req)
	if err != nil {
		logging.Op().Warn("openstack delete failed", "server", v.serverID, "error", err)
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Rebuild uses Nova's rebuild action to reset the server to its origin
// image in place, preserving serverID and IP.
func (v *vm) Rebuild(ctx context.Context) error {
	body := map[string]any{
		"rebuild": map[string]any{"imageRef": v.platform},
	}
	resp, err := v.factory.post(ctx, v.factory.cfg.NovaURL+"/servers/"+v.serverID+"/action", body, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("nova rebuild returned %d", resp.StatusCode)
	}
	_, err = v.pollActive(ctx)
	if err != nil {
		return err
	}
	return v.Ping(ctx, v.factory.cfg.SeleniumPort)
}

func (v *vm) Ping(ctx context.Context, port int) error {
	var lastErr error
	for attempt := 0; attempt < v.ping.Attempts; attempt++ {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", v.ip, port), v.ping.Timeout)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.ping.RetryPause):
		}
	}
	return fmt.Errorf("ping %s:%d failed after %d attempts: %w", v.ip, port, v.ping.Attempts, lastErr)
}

func (v *vm) VMHasCreated(ctx context.Context) (bool, error) {
	_, _, err := v.serverStatus(ctx)
	if err == provider.ErrNotExist {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (v *vm) CheckVMExists(ctx context.Context) (bool, error) {
	_, active, err := v.serverStatus(ctx)
	if err == provider.ErrNotExist {
		return false, nil
	}
	return active, err
}

func (v *vm) GetIP(ctx context.Context) (string, error) {
	if v.ip != "" {
		return v.ip, nil
	}
	ip, _, err := v.serverStatus(ctx)
	return ip, err
}
