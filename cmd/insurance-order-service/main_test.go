package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupLogger_DefaultLevel(t *testing.T) {
	t.Setenv("IOMS_LOG_LEVEL", "")
	setupLogger()

	if log.GetLevel() != log.InfoLevel {
		t.Errorf("expected info level by default, got %s", log.GetLevel())
	}
}

func TestSetupLogger_LevelFromEnv(t *testing.T) {
	t.Setenv("IOMS_LOG_LEVEL", "debug")
	setupLogger()

	if log.GetLevel() != log.DebugLevel {
		t.Errorf("expected debug level, got %s", log.GetLevel())
	}

	// Невалидный уровень не меняет настройку.
	t.Setenv("IOMS_LOG_LEVEL", "chatty")
	setupLogger()
	if log.GetLevel() != log.InfoLevel {
		t.Errorf("expected fallback to info level, got %s", log.GetLevel())
	}
}
