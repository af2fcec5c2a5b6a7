package sja1000

// stateSeverity orders states from least to most severe, so a combined
// report (e.g. worst of a tx-derived and an rx-derived state) can be taken
// as a simple max (spec.md §4.E: "the max of tx/rx substates").
func stateSeverity(s State) int {
	switch s {
	case StateErrorActive:
		return 0
	case StateErrorWarning:
		return 1
	case StateErrorPassive:
		return 2
	case StateBusOff:
		return 3
	case StateStopped, StateSleeping:
		return -1 // not part of the error ladder
	default:
		return -1
	}
}

// worstState returns whichever of a/b is more severe on the error ladder;
// a StateStopped/StateSleeping operand loses to any ladder state.
func worstState(a, b State) State {
	sa, sb := stateSeverity(a), stateSeverity(b)
	if sa < 0 {
		return b
	}
	if sb < 0 {
		return a
	}
	if sa >= sb {
		return a
	}
	return b
}

// stateFromCounters combines independently-derived tx/rx error states using
// worstState, mirroring state_err_to_state's handling of separate tx_error
// and rx_error counter ladders (original source: sja1000_err, CAN_STATE_*
// transitions driven off txerr/rxerr read together from one status word).
func stateFromCounters(txErr, rxErr uint16) State {
	return worstState(stateFromErrCount(txErr), stateFromErrCount(rxErr))
}
