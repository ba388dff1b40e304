// cmd/seed registers demo voters against a running registrar so every
// record goes through the full store-then-notarize path.
//
// Running twice is safe: voters that already exist are reported and skipped.
//
// Usage:
//
//	go run ./cmd/seed
//	REGISTRAR_URL=http://localhost:8080 SEED_COUNT=50 go run ./cmd/seed
package main

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/voterledger/voterledger/internal/biometric"
	"github.com/voterledger/voterledger/pkg/client"
	"golang.org/x/sync/errgroup"
)

const defaultRegistrar = "http://localhost:8080"

var (
	firstNames = []string{"Alice", "Bola", "Chen", "Dmitri", "Esther", "Farah", "Goran", "Hana", "Ines", "Jonas"}
	lastNames  = []string{"Okafor", "Lindqvist", "Moreau", "Tanaka", "Silva", "Novak", "Haddad", "Kowalski"}
	streets    = []string{"Main St", "Harbour Rd", "Elm Ave", "Station Sq", "Mill Ln"}
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	base := os.Getenv("REGISTRAR_URL")
	if base == "" {
		base = defaultRegistrar
	}
	count := 20
	if s := os.Getenv("SEED_COUNT"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return fmt.Errorf("SEED_COUNT must be a positive integer, got %q", s)
		}
		count = n
	}

	c, err := client.New(base)
	if err != nil {
		return err
	}

	var created, skipped, unsettled atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(4)
	for i := range count {
		req := demoVoter(i)
		g.Go(func() error {
			v, err := c.RegisterVoter(ctx, req)
			switch {
			case errors.Is(err, client.ErrDuplicateID):
				skipped.Add(1)
				return nil
			case err != nil:
				return fmt.Errorf("register %s: %w", req.VoterID, err)
			}
			created.Add(1)
			if v.Status != client.StatusNotarized {
				unsettled.Add(1)
			}
			fmt.Printf("  %-8s %-22s %s\n", v.VoterID, v.Name, v.Status)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("seeded %d voters (%d already present, %d not yet notarized)\n",
		created.Load(), skipped.Load(), unsettled.Load())
	return nil
}

// demoVoter builds the i-th demo registration. The same i always yields the
// same voter, including its face encoding.
func demoVoter(i int) client.RegisterRequest {
	id := fmt.Sprintf("DEMO%04d", i+1)
	return client.RegisterRequest{
		Name:               firstNames[i%len(firstNames)] + " " + lastNames[(i/len(firstNames))%len(lastNames)],
		Address:            fmt.Sprintf("%d %s", 10+i, streets[i%len(streets)]),
		DOB:                fmt.Sprintf("19%02d-%02d-%02d", 50+i%50, 1+i%12, 1+i%28),
		VoterID:            id,
		BiometricSignature: demoSignature(id, biometric.DefaultDimension),
	}
}

func demoSignature(seed string, dim int) []float64 {
	h := fnv.New64a()
	h.Write([]byte(seed))
	r := rand.New(rand.NewPCG(h.Sum64(), 0))
	sig := make([]float64, dim)
	for i := range sig {
		sig[i] = r.Float64()*2*biometric.MaxComponent - biometric.MaxComponent
	}
	return sig
}
