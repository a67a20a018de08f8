package health

import "testing"

func TestOverallEmpty(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Errorf("expected unknown with no checks, got %s", got)
	}
}

func TestOverallWorstWins(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentCapture, Healthy, "")
	m.Update(ComponentServer, Healthy, "")
	if got := m.Overall(); got != Healthy {
		t.Errorf("expected healthy, got %s", got)
	}

	m.Update(ComponentBridge, Degraded, "no device")
	if got := m.Overall(); got != Degraded {
		t.Errorf("expected degraded, got %s", got)
	}

	m.Update(ComponentPipeline, Unhealthy, "bind failed")
	if got := m.Overall(); got != Unhealthy {
		t.Errorf("expected unhealthy, got %s", got)
	}
}

func TestRecoveryImprovesOverall(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentCapture, Unhealthy, "stopped")
	m.Update(ComponentCapture, Healthy, "")
	if got := m.Overall(); got != Healthy {
		t.Errorf("expected healthy after recovery, got %s", got)
	}
}

func TestGetAndAll(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentServer, Healthy, "")
	m.Update(ComponentBridge, Degraded, "wifi mode")

	c, ok := m.Get(ComponentBridge)
	if !ok || c.Status != Degraded || c.Message != "wifi mode" {
		t.Errorf("unexpected check: %+v ok=%v", c, ok)
	}
	if _, ok := m.Get("nonexistent"); ok {
		t.Error("expected missing component")
	}
	if got := len(m.All()); got != 2 {
		t.Errorf("expected 2 checks, got %d", got)
	}
}
