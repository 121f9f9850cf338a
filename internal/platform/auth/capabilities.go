package auth

type Capability string

const (
	CapViewOwnWallet    Capability = "wallet.view_own"
	CapViewDownline     Capability = "wallet.view_downline"
	CapPlaceBet         Capability = "bet.place"
	CapSettleBet        Capability = "bet.settle"
	CapRequestPayment   Capability = "payment.request"
	CapReviewPayment    Capability = "payment.review"
	CapTransfer         Capability = "coins.transfer"
	CapGrantBonus       Capability = "bonus.grant"
	CapClaimBonus       Capability = "bonus.claim"
	CapExposureTransfer Capability = "exposure.transfer"
	CapSettle           Capability = "settlement.execute"
	CapRegisterDownline Capability = "user.register"
	CapManageUsers      Capability = "user.manage"
	CapReconcile        Capability = "ledger.reconcile"
	CapViewReports      Capability = "report.view"
	CapViewAudit        Capability = "audit.view"
)

var operatorCaps = []Capability{
	CapViewOwnWallet, CapViewDownline, CapReviewPayment, CapTransfer, CapGrantBonus,
	CapExposureTransfer, CapSettle, CapRegisterDownline, CapViewReports,
}

var (
	playerCaps     = []Capability{CapViewOwnWallet, CapPlaceBet, CapRequestPayment, CapTransfer, CapClaimBonus}
	masterCaps     = append([]Capability{CapSettleBet}, operatorCaps...)
	powerhouseCaps = append([]Capability{CapSettleBet, CapManageUsers, CapReconcile, CapViewAudit}, operatorCaps...)
)

var capabilities = map[Role]map[Capability]struct{}{
	RolePlayer:     set(playerCaps...),
	RoleMaster:     set(masterCaps...),
	RoleSuper:      set(operatorCaps...),
	RolePowerhouse: set(powerhouseCaps...),
}

func set(caps ...Capability) map[Capability]struct{} {
	out := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		out[c] = struct{}{}
	}
	return out
}

// Can reports whether role holds capability c.
func Can(role Role, c Capability) bool {
	_, ok := capabilities[role][c]
	return ok
}
