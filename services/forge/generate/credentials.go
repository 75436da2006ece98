// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Secure Credential Custody
// =============================================================================

// MinMlockLimitKB is the minimum mlock limit required in kilobytes for
// sealed credential storage. memguard allocates guard pages and canary
// buffers beyond the payload itself, so the floor is well above the
// size of a single API key.
const MinMlockLimitKB = 512

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient is set during initialization to indicate if secure
	// memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the current mlock limit for logging.
	currentMlockLimitKB int64
)

// Secret holds a backend credential, sealed in locked memory when the
// system allows it.
//
// Description:
//
//	On systems with a sufficient RLIMIT_MEMLOCK, the value lives in a
//	memguard enclave: encrypted at rest in memory, never swapped to
//	disk, wiped on destruction. When the limit is too low the process
//	either refuses to hold the secret or, with
//	FORGE_INSECURE_MEMORY=true, falls back to a plain copy with a
//	logged warning.
//
// Thread Safety:
//
//	Safe for concurrent Reveal calls. Destroy must not race Reveal.
type Secret struct {
	enclave *memguard.Enclave
	plain   []byte
}

// SealSecret takes custody of value. The input slice is wiped when the
// secure path is taken; callers must not reuse it.
func SealSecret(value []byte) (*Secret, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("FORGE_INSECURE_MEMORY") != "true" {
			return nil, fmt.Errorf(
				"mlock limit insufficient: have %d KB, need %d KB. "+
					"Configure system limits or set FORGE_INSECURE_MEMORY=true",
				currentMlockLimitKB, MinMlockLimitKB,
			)
		}
		slog.Warn("Holding credential in INSECURE memory - value may be swapped to disk",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return &Secret{plain: append([]byte(nil), value...)}, nil
	}

	// NewEnclave wipes the source buffer after sealing.
	return &Secret{enclave: memguard.NewEnclave(value)}, nil
}

// Reveal returns a plaintext copy of the secret. The caller should
// hand it to exactly one consumer and let it go out of scope promptly.
func (s *Secret) Reveal() (string, error) {
	if s.enclave != nil {
		buf, err := s.enclave.Open()
		if err != nil {
			return "", fmt.Errorf("failed to open sealed credential: %w", err)
		}
		defer buf.Destroy()
		return string(buf.Bytes()), nil
	}
	if s.plain == nil {
		return "", fmt.Errorf("credential already destroyed")
	}
	return string(s.plain), nil
}

// Destroy wipes the insecure copy if one exists. Enclave-backed
// secrets are wiped by memguard on process purge.
func (s *Secret) Destroy() {
	for i := range s.plain {
		s.plain[i] = 0
	}
	s.plain = nil
}

// loadOpenAIKey resolves the OpenAI API key from the environment, or
// from the container secret file when the variable is unset.
func loadOpenAIKey() (*Secret, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
		slog.Info("Read the OpenAI API Key from Podman Secrets")
	}
	return SealSecret([]byte(apiKey))
}

// =============================================================================
// Package Initialization
// =============================================================================

// initMemguard initializes memguard and checks mlock limits once.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure credential storage",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		}
	})
}

// checkMlockLimit queries the kernel for the mlock resource limit and
// compares it against the minimum required for sealed credentials.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// PurgeSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
