// Package callstate holds the call data model and the call lifecycle
// state machine.
//
// State is a tagged union built with the constructors (Ready, Connecting,
// Failed, ...). A Machine stores exactly one current State; transitioning to
// a state equal to the current one is ignored, anything else is broadcast to
// every Subscription in order:
//
//	sub := machine.Subscribe()
//	defer sub.Cancel()
//	for st := range sub.C() {
//	    if reason, ok := st.ReportedEndReason(); ok {
//	        log.Printf("call over: %s", reason)
//	    }
//	}
//
// Failed states carry a structured FailureCause. A failed peer connection is
// reported as an unanswered call of whoever placed it; any other failure is
// reported as EndReasonFailed.
package callstate
