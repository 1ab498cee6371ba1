// Package harness runs YAML position scenarios against a fresh store and
// checks the resulting event trace and final state.
//
// A scenario is a list of steps (open, update, close, advance, reconcile,
// diagnose) executed through psm.Manager with a fake clock and sequential
// ids, followed by assertions over the event trace and the final position
// rows:
//
//	name: btc_lifecycle
//	description: open, mark and close a long
//	steps:
//	  - op: open
//	    position: P1
//	    args: {symbol: BTC/USDT, side: LONG, entry: "50000", amount: "0.1"}
//	  - op: close
//	    position: P1
//	    args: {exit: "51500", reason: TAKE_PROFIT}
//	assertions:
//	  - type: final_state
//	    position: P1
//	    expect: {status: CLOSED, pnl: "150"}
//
// Because every run starts from the same clock and id sequence, the trace is
// deterministic and can be compared against a golden file with
// RunWithGolden.
package harness
