package reconcile

import "github.com/iurnickita/admarket/internal/model"

// Reason - причина, по которой работа репортера не засчитана.
type Reason string

const (
	ReasonNoProof                Reason = "no proof submitted"
	ReasonRejected               Reason = "rejected by admin"
	ReasonNotApproved            Reason = "submitted but not approved"
	ReasonCompletionNotSubmitted Reason = "accepted but completion not submitted"
	ReasonInitialOnly            Reason = "initial proof submitted but completion not submitted"
)

// optionalProof - подтверждение репортера, которого может не быть.
type optionalProof struct {
	proof model.Proof
	ok    bool
}

func someProof(proof model.Proof) optionalProof {
	return optionalProof{proof: proof, ok: true}
}

func noProof() optionalProof {
	return optionalProof{}
}

func (o optionalProof) Get() (model.Proof, bool) {
	return o.proof, o.ok
}

type verdict struct {
	completed bool
	reason    Reason
}

// classify засчитывает работу только при status == completed и заданном AdminApprovedAt.
// Для остальных случаев причина выбирается по первому совпадению.
func classify(found optionalProof) verdict {
	proof, ok := found.Get()
	if !ok {
		return verdict{reason: ReasonNoProof}
	}

	approved := proof.Data.AdminApprovedAt != nil
	switch {
	case proof.Data.Status == model.ProofStatusCompleted && approved:
		return verdict{completed: true}
	case proof.Data.Status == model.ProofStatusRejected:
		return verdict{reason: ReasonRejected}
	case proof.Data.Status == model.ProofStatusSubmitted && !approved:
		return verdict{reason: ReasonNotApproved}
	case proof.Data.Status == model.ProofStatusAccepted:
		return verdict{reason: ReasonCompletionNotSubmitted}
	case proof.Data.Status == model.ProofStatusPending:
		return verdict{reason: ReasonInitialOnly}
	default:
		return verdict{reason: ReasonNoProof}
	}
}
