package entropy

import (
	"bytes"
	"os"
	"path"
	"testing"
)

func TestGetRandomness32BytesDefault(t *testing.T) {
	random, err := GetRandom(nil, 32)
	if err != nil {
		t.Fatal("Getting randomness failed:", err)
	}
	if len(random) != 32 {
		t.Fatal("Randomness incorrect number of bytes:", len(random), "instead of 32")
	}
}

func TestNoDuplicatesDefault(t *testing.T) {
	random1, err := GetRandom(nil, 32)
	if err != nil {
		t.Fatal("Getting randomness failed:", err)
	}

	random2, err := GetRandom(nil, 32)
	if err != nil {
		t.Fatal("Getting randomness failed:", err)
	}
	if bytes.Equal(random1, random2) {
		t.Fatal("Randomness was the same for two samples, which is incredibly unlikely")
	}
}

func TestScriptReader(t *testing.T) {
	script := path.Join(t.TempDir(), "entropy.sh")
	content := "#!/bin/sh\necho 'deterministic entropy for testing'\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatal("Failed to write script:", err)
	}

	reader := NewScriptReader(script)
	random1, err := GetRandom(reader, 32)
	if err != nil {
		t.Fatal("Getting script randomness failed:", err)
	}
	if len(random1) != 32 {
		t.Fatal("Randomness incorrect number of bytes:", len(random1), "instead of 32")
	}

	// the script is deterministic, the reader must be too
	random2, err := GetRandom(NewScriptReader(script), 32)
	if err != nil {
		t.Fatal("Getting script randomness failed:", err)
	}
	if !bytes.Equal(random1, random2) {
		t.Fatal("Deterministic script produced different outputs")
	}
}

func TestScriptReaderFallsBack(t *testing.T) {
	// a broken source falls back to crypto/rand instead of failing the draw
	random, err := GetRandom(NewScriptReader("/nonexistent/script"), 32)
	if err != nil {
		t.Fatal("Fallback randomness failed:", err)
	}
	if len(random) != 32 {
		t.Fatal("Randomness incorrect number of bytes:", len(random), "instead of 32")
	}
}
