package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestPromCollectorRecords(t *testing.T) {
	c := NewCollector("test")

	c.RecordInstanceStatus("app", 4)
	c.RecordLoad("app", 10*time.Millisecond, nil)
	c.RecordLoad("app", 10*time.Millisecond, errors.New("boom"))
	c.RecordTermination("app", "crash")
	c.RecordInvoke("app", "storage.get", time.Millisecond, nil)
	c.RecordInvokeDenied("app", "camera.capture")
	c.RecordExecution("app", 5*time.Millisecond, nil)
	c.RecordResourceAbort("app", "timeout")
	c.RecordEligibility("app", true)
	c.RecordEligibility("app", false)
	c.RecordKillSwitch("app")
	c.RecordUpdateCheck("app", true)
	c.RecordUpdateApply("app", nil)

	reg := c.Registry()
	if reg == nil {
		t.Fatal("registry is nil")
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Error("no metric families registered")
	}
}

func TestNopCollector(t *testing.T) {
	c := NewNopCollector()
	c.RecordLoad("app", time.Second, nil)
	c.RecordKillSwitch("app")
	if c.Registry() != nil {
		t.Error("nop collector must not expose a registry")
	}
}
