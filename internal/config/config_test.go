package config

import "testing"

func TestGetBool(t *testing.T) {
	t.Setenv("SLIPWAY_TEST_FLAG", "false")
	if GetBool("SLIPWAY_TEST_FLAG", true) {
		t.Fatal("explicit false should win over fallback")
	}
	if !GetBool("SLIPWAY_TEST_FLAG_UNSET", true) {
		t.Fatal("unset variable should return fallback")
	}
	t.Setenv("SLIPWAY_TEST_FLAG_BAD", "not-a-bool")
	if !GetBool("SLIPWAY_TEST_FLAG_BAD", true) {
		t.Fatal("unparseable value should return fallback")
	}
}

func TestLoadAPIConfigDefaults(t *testing.T) {
	cfg := LoadAPIConfig()
	if !cfg.AutoMigrate {
		t.Fatal("migrations should run on start by default")
	}
	if cfg.MigrationsDir == "" || cfg.BuildQueueTopic == "" {
		t.Fatalf("missing defaults: %+v", cfg)
	}
}
