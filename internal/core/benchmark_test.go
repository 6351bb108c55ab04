package core

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func BenchmarkPoolAdmitRelease(b *testing.B) {
	pool := NewPool(64, 256, 0)
	req := ResourceRequest{Cores: 4, MemoryGB: 16, TimeoutS: 60}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g, ok := pool.TryAdmit(req)
		if !ok {
			b.Fatal("admission failed on an idle pool")
		}
		g.Release()
	}
}

func BenchmarkPoolAdmitParallel(b *testing.B) {
	pool := NewPool(1<<20, 1<<20, 0)
	req := ResourceRequest{Cores: 1, MemoryGB: 1}

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if g, ok := pool.TryAdmit(req); ok {
				g.Release()
			}
		}
	})
}

func BenchmarkBuildArguments(b *testing.B) {
	opts := []string{"--diff", "--heuristic=S", "--stop-on-trace=SEQDFS"}
	flags := []string{"WEAK", "A", "B"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = BuildArguments("theories/proto.spthy", "secrecy", 8, opts, flags, "out/models/proto--secrecy--stable.spthy")
	}
}

func BenchmarkExtractMeasures(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = ExtractMeasures(proverSummary, "")
	}
}

func BenchmarkCacheKey(b *testing.B) {
	dir := b.TempDir()
	f := fixture{theory: filepath.Join(dir, "t.spthy"), exe: filepath.Join(dir, "prover")}
	u := Unit{TheoryFile: f.theory, Executable: f.exe, Lemma: "secrecy", Resources: ResourceRequest{Cores: 1, MemoryGB: 1, TimeoutS: 1}}
	for _, p := range []string{f.theory, f.exe} {
		if err := os.WriteFile(p, []byte(fmt.Sprintf("content of %s\n", p)), 0o644); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := CacheKey(u); err != nil {
			b.Fatal(err)
		}
	}
}
