package config

import "testing"

func TestDefaultRepairMargin(t *testing.T) {
	c := Default()
	if c.RepairMargin != 2 {
		t.Fatalf("expected repair margin ceil(3/2)=2, got %d", c.RepairMargin)
	}
}

func TestValidateRejectsZeroK(t *testing.T) {
	c := Default()
	c.K = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for k=0")
	}
}

func TestValidateAcceptsDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}
