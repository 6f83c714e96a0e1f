// Command seed loads synthetic weekly incident histories into ClickHouse
// so the engine can be exercised without a live ingest pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"time"

	pkgch "ConflictCast/pkg/clickhouse"
	"ConflictCast/pkg/config"
	"ConflictCast/pkg/util"

	internalrepo "ConflictCast/internal/repository"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	locations := flag.String("locations", "Borno,Adamawa,Yobe", "comma-separated locations to seed")
	weeks := flag.Int("weeks", 156, "number of weekly observations per location")
	seed := flag.Int64("seed", 42, "random seed")
	startFlag := flag.String("start", "", "first week (RFC3339 or unix seconds); default counts back from now")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
	)
	if err != nil {
		log.Fatalf("clickhouse connect failed: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.ObservationSchema); err != nil {
		log.Fatalf("schema init failed: %v", err)
	}

	start := util.WeekStart(util.ParseTimeDefault(*startFlag, util.WeeksBack(time.Now(), *weeks)))

	rng := rand.New(rand.NewSource(*seed))
	for _, location := range strings.Split(*locations, ",") {
		location = strings.TrimSpace(location)
		if location == "" {
			continue
		}
		if err := seedLocation(ctx, client, rng, location, start, *weeks); err != nil {
			log.Fatalf("seed %s failed: %v", location, err)
		}
		log.Printf("seeded %s: %d weeks", location, *weeks)
	}
}

// seedLocation writes a plausible weekly series: a slow trend, a yearly
// cycle and Poisson-ish noise, never negative.
func seedLocation(ctx context.Context, client *pkgch.Client, rng *rand.Rand, location string, start time.Time, weeks int) error {
	base := 5 + rng.Float64()*15
	trend := (rng.Float64() - 0.3) * 0.05

	tx, err := client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO conflictcast.observations (week_start, location, incidents) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < weeks; i++ {
		seasonal := 3 * math.Sin(2*math.Pi*float64(i)/52)
		level := base + trend*float64(i) + seasonal
		count := int(math.Round(level + rng.NormFloat64()*math.Sqrt(math.Max(level, 1))))
		if count < 0 {
			count = 0
		}
		if _, err := stmt.ExecContext(ctx, start.AddDate(0, 0, 7*i), location, uint32(count)); err != nil {
			return fmt.Errorf("insert week %d: %w", i, err)
		}
	}
	return tx.Commit()
}
