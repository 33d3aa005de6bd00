package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	persistlog "floodmesh.ai/internal/persistence/log"
	"floodmesh.ai/internal/sim/catalogs"
	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/scenario"
	"floodmesh.ai/internal/sim/scheduler"
	"floodmesh.ai/internal/sim/tuning"
)

func main() {
	var (
		runDir    = flag.String("run", "", "run directory written by floodsim (contains snapshots.jsonl.zst)")
		configDir = flag.String("configs", "./configs", "config directory")
		fromTick  = flag.Uint64("from_tick", 0, "start verifying from tick (inclusive, optional)")
		toTick    = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
	)
	flag.Parse()

	if *runDir == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}

	scn, tune, err := persistlog.ReadConfig(*runDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read run config:", err)
		os.Exit(1)
	}
	if scn.Evaluator == scenario.EvaluatorLLM {
		fmt.Fprintln(os.Stderr, "runs decided by an external model cannot be replayed")
		os.Exit(2)
	}
	snaps, err := persistlog.ReadSnapshots(*runDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshots:", err)
		os.Exit(1)
	}
	cats, err := catalogs.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}

	fmt.Printf("run scenario=%s seed=%d ticks=%d logged=%d\n", scn.ID, scn.Seed, scn.Ticks, len(snaps))

	res, err := verify(context.Background(), &scn, cats, tune, snaps, *fromTick, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("ok: verified %d ticks (%d..%d)\n", res.Verified, res.From, res.To)
}

type verifyResult struct {
	Verified int
	From, To uint64
}

var errDigestMismatch = errors.New("digest mismatch")

// verify re-runs the scenario from tick 0 and compares the digest of every logged tick in
// [from, to]. A zero to means through the last logged tick.
func verify(ctx context.Context, scn *scenario.Scenario, cats *catalogs.Catalogs, tune tuning.Tuning, snaps []metrics.TickSnapshot, from, to uint64) (verifyResult, error) {
	var res verifyResult
	if len(snaps) == 0 {
		return res, errors.New("no snapshots logged")
	}
	last := snaps[len(snaps)-1].Tick
	if to == 0 || to > last {
		to = last
	}
	res.From, res.To = from, to

	sim, err := scheduler.New(scn, cats, tune, nil, scheduler.Options{})
	if err != nil {
		return res, fmt.Errorf("init: %w", err)
	}
	for i, snap := range snaps {
		if snap.Tick != uint64(i) {
			return res, fmt.Errorf("snapshot log has gap: entry %d is tick %d", i, snap.Tick)
		}
		if snap.Tick > to {
			break
		}
		rec, err := sim.StepOnce(ctx)
		if err != nil {
			return res, fmt.Errorf("tick %d: %w", snap.Tick, err)
		}
		if snap.Tick < from {
			continue
		}
		if rec.Snapshot.Digest != snap.Digest {
			return res, fmt.Errorf("%w at tick %d: logged=%s replayed=%s", errDigestMismatch, snap.Tick, snap.Digest, rec.Snapshot.Digest)
		}
		res.Verified++
	}
	return res, nil
}
