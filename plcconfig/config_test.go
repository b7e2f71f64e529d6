package plcconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsEmptyList(t *testing.T) {
	list, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(list.Gateways) != 0 {
		t.Errorf("expected empty gateway list, got %d entries", len(list.Gateways))
	}
}

func TestLoadParsesGateways(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateways.yaml")
	body := `
gateways:
  - name: line1-plc
    family: logix
    gateway: 10.0.0.5
    path: "1,0"
  - name: line2-plc
    family: s7
    gateway: 10.0.0.6:102
    idle_timeout_ms: 2000
    attrs:
      rack: "0"
      slot: "2"
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	list, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(list.Gateways) != 2 {
		t.Fatalf("expected 2 gateways, got %d", len(list.Gateways))
	}

	g := list.Gateways[1]
	if g.Family != "s7" || g.Gateway != "10.0.0.6:102" || g.IdleTimeoutMS != 2000 {
		t.Errorf("unexpected gateway parse: %+v", g)
	}
	if g.Extra["slot"] != "2" {
		t.Errorf("expected attrs.slot == 2, got %q", g.Extra["slot"])
	}
}

func TestGatewayConfigAttrs(t *testing.T) {
	g := GatewayConfig{
		Gateway:       "10.0.0.5:44818",
		Path:          "1,0",
		IdleTimeoutMS: 3000,
		Extra:         map[string]string{"route": "backplane"},
	}
	attrs := g.Attrs()

	if v, _ := attrs.GetString("gateway"); v != "10.0.0.5:44818" {
		t.Errorf("gateway = %q", v)
	}
	if v, _ := attrs.GetString("path"); v != "1,0" {
		t.Errorf("path = %q", v)
	}
	if n := attrs.GetInt("idle_timeout_ms", -1); n != 3000 {
		t.Errorf("idle_timeout_ms = %d", n)
	}
	if v, _ := attrs.GetString("route"); v != "backplane" {
		t.Errorf("route = %q", v)
	}
}

func TestSaveRoundTripsAndNotifiesListeners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateways.yaml")
	list := &GatewayList{Gateways: []GatewayConfig{{Name: "a", Family: "logix", Gateway: "10.0.0.5"}}}

	notified := make(chan struct{}, 1)
	list.AddOnChangeListener(func() { notified <- struct{}{} })

	if err := list.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Error("change listener was not notified")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(reloaded.Gateways) != 1 || reloaded.Gateways[0].Name != "a" {
		t.Errorf("round trip mismatch: %+v", reloaded.Gateways)
	}
}
