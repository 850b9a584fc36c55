package server

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"poolledger/crypto"
	"poolledger/native/loandesk"
	"poolledger/services/pool/engine"
)

// amountBody decodes {"amount": "..."} and parses the amount.
func amountBody(w http.ResponseWriter, r *http.Request) (*big.Int, bool) {
	req, ok := decodeAmount(w, r)
	if !ok {
		return nil, false
	}
	amount, err := parseAmountField("amount", req.Amount)
	if err != nil {
		badRequest(w, err.Error())
		return nil, false
	}
	return amount, true
}

func sharesBody(w http.ResponseWriter, r *http.Request) (*big.Int, bool) {
	var req sharesRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return nil, false
	}
	shares, err := parseAmountField("shares", req.Shares)
	if err != nil {
		badRequest(w, err.Error())
		return nil, false
	}
	return shares, true
}

func idParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return 0, false
	}
	return id, true
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.svc.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, s.render.pool(snap, s.svc.Addresses()))
}

func (s *Server) handlePendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			badRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}
	requests, err := s.svc.PendingWithdrawals(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]withdrawalResponse, 0, len(requests))
	for _, req := range requests {
		out = append(out, s.render.withdrawal(req))
	}
	s.ok(w, map[string]any{"requests": out})
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	req, err := s.svc.WithdrawalRequest(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, s.render.withdrawal(req))
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressField("address", chi.URLParam(r, "address"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	balances, err := s.svc.Balances(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	recent, err := s.svc.RecentApplicationOf(addr)
	if err != nil && engine.Classify(err) != engine.KindNotFound {
		writeError(w, err)
		return
	}
	s.ok(w, s.render.account(balances, recent))
}

func (s *Server) handleApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	app, err := s.svc.Application(id)
	if err != nil {
		writeError(w, err)
		return
	}
	expired, err := s.svc.OfferExpired(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]any{"application": s.render.application(app), "offerExpired": expired})
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	loan, err := s.svc.Loan(id)
	if err != nil {
		writeError(w, err)
		return
	}
	due, err := s.svc.LoanBalanceDue(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, s.render.loan(loan, due))
}

func (s *Server) handleTemplate(w http.ResponseWriter, _ *http.Request) {
	tmpl, err := s.svc.Template()
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, s.render.template(tmpl))
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.svc.Members(chi.URLParam(r, "role"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.String())
	}
	s.ok(w, map[string]any{"members": out})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	amount, ok := amountBody(w, r)
	if !ok {
		return
	}
	if err := s.svc.Faucet(r.Context(), caller(r), amount); err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, nil)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	spender := s.svc.Addresses().Pool
	if strings.TrimSpace(req.Spender) != "" {
		var err error
		if spender, err = parseAddressField("spender", req.Spender); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	amount, err := parseAmountField("amount", req.Amount)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.svc.Approve(r.Context(), caller(r), spender, amount); err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, nil)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	to, err := parseAddressField("to", req.To)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	amount, err := parseAmountField("amount", req.Amount)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.svc.Transfer(r.Context(), caller(r), to, amount); err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, nil)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	amount, ok := amountBody(w, r)
	if !ok {
		return
	}
	minted, err := s.svc.Deposit(r.Context(), caller(r), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]string{"shares": minted.String()})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	amount, ok := amountBody(w, r)
	if !ok {
		return
	}
	minted, err := s.svc.Stake(r.Context(), caller(r), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]string{"shares": minted.String()})
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	amount, ok := amountBody(w, r)
	if !ok {
		return
	}
	burned, err := s.svc.Unstake(r.Context(), caller(r), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]string{"sharesBurned": burned.String()})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Open(r.Context(), caller(r)); err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, nil)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Close(r.Context(), caller(r)); err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, nil)
}

func (s *Server) handleWithdrawRevenue(w http.ResponseWriter, r *http.Request) {
	paid, err := s.svc.WithdrawRevenue(r.Context(), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]Amount{"paid": s.render.amount(paid)})
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	var req paramsRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	params, err := req.decode()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.svc.UpdateParams(r.Context(), caller(r), params); err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, s.render.params(params))
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	shares, ok := sharesBody(w, r)
	if !ok {
		return
	}
	id, fulfilled, err := s.svc.RequestWithdrawal(r.Context(), caller(r), shares)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]any{"id": id, "fulfilled": fulfilled})
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	var req fulfillRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	count, err := s.svc.FulfillWithdrawalRequests(r.Context(), req.Max)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]uint64{"fulfilled": count})
}

func (s *Server) handleUpdateWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	shares, ok := sharesBody(w, r)
	if !ok {
		return
	}
	if err := s.svc.UpdateWithdrawalRequest(r.Context(), caller(r), id, shares); err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, nil)
}

func (s *Server) handleCancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.svc.CancelWithdrawalRequest(r.Context(), caller(r), id); err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, nil)
}

func (s *Server) handleRequestLoan(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	amount, err := parseAmountField("amount", req.Amount)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	digest, err := req.decodeDigest()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	id, err := s.svc.RequestLoan(r.Context(), caller(r), amount, req.DurationSecs, req.Reference, digest)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]uint64{"id": id})
}

// stakerAction handles the body-less application transitions.
func (s *Server) stakerAction(w http.ResponseWriter, r *http.Request, fn func(r *http.Request, who crypto.Address, id uint64) error) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := fn(r, caller(r), id); err != nil {
		writeError(w, err)
		return
	}
	app, err := s.svc.Application(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, s.render.application(app))
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.stakerAction(w, r, func(r *http.Request, who crypto.Address, id uint64) error {
		return s.svc.DenyLoan(r.Context(), who, id)
	})
}

func (s *Server) handleCancelLoan(w http.ResponseWriter, r *http.Request) {
	s.stakerAction(w, r, func(r *http.Request, who crypto.Address, id uint64) error {
		return s.svc.CancelLoan(r.Context(), who, id)
	})
}

func (s *Server) handleLockOffer(w http.ResponseWriter, r *http.Request) {
	s.stakerAction(w, r, func(r *http.Request, who crypto.Address, id uint64) error {
		return s.svc.LockDraftOffer(r.Context(), who, id)
	})
}

func (s *Server) handleMakeOffer(w http.ResponseWriter, r *http.Request) {
	s.stakerAction(w, r, func(r *http.Request, who crypto.Address, id uint64) error {
		return s.svc.OfferLoan(r.Context(), who, id)
	})
}

func (s *Server) handleCancelOffer(w http.ResponseWriter, r *http.Request) {
	s.stakerAction(w, r, func(r *http.Request, who crypto.Address, id uint64) error {
		return s.svc.CancelOffer(r.Context(), who, id)
	})
}

func (s *Server) decodeTerms(w http.ResponseWriter, r *http.Request) (loandesk.OfferTerms, bool) {
	var req termsRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return loandesk.OfferTerms{}, false
	}
	terms, err := req.decode()
	if err != nil {
		badRequest(w, err.Error())
		return loandesk.OfferTerms{}, false
	}
	return terms, true
}

func (s *Server) handleDraftOffer(w http.ResponseWriter, r *http.Request) {
	terms, ok := s.decodeTerms(w, r)
	if !ok {
		return
	}
	s.stakerAction(w, r, func(r *http.Request, who crypto.Address, id uint64) error {
		return s.svc.DraftOffer(r.Context(), who, id, terms)
	})
}

func (s *Server) handleUpdateDraftOffer(w http.ResponseWriter, r *http.Request) {
	terms, ok := s.decodeTerms(w, r)
	if !ok {
		return
	}
	s.stakerAction(w, r, func(r *http.Request, who crypto.Address, id uint64) error {
		return s.svc.UpdateDraftOffer(r.Context(), who, id, terms)
	})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	loanID, err := s.svc.Borrow(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]uint64{"loanId": loanID})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	amount, ok := amountBody(w, r)
	if !ok {
		return
	}
	receipt, err := s.svc.Repay(r.Context(), caller(r), id, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, repaymentResponse{
		Paid:      s.render.amount(receipt.Paid),
		Principal: s.render.amount(receipt.Principal),
		Interest:  s.render.amount(receipt.Interest),
		Status:    receipt.Status.String(),
	})
}

func (s *Server) handleCanDefault(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	allowed, err := s.svc.CanDefault(id, caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]bool{"canDefault": allowed})
}

func (s *Server) handleDefault(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	loss, err := s.svc.DefaultLoan(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]Amount{"loss": s.render.amount(loss)})
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	tmpl, err := req.decode()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.svc.UpdateTemplate(r.Context(), caller(r), tmpl); err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, s.render.template(tmpl))
}

func (s *Server) roleChange(w http.ResponseWriter, r *http.Request, grant bool) {
	var req addressRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	addr, err := parseAddressField("address", req.Address)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	role := chi.URLParam(r, "role")
	if grant {
		err = s.svc.Grant(r.Context(), caller(r), role, addr)
	} else {
		err = s.svc.Revoke(r.Context(), caller(r), role, addr)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, nil)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) { s.roleChange(w, r, true) }

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) { s.roleChange(w, r, false) }

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	module := chi.URLParam(r, "module")
	if err := s.svc.SetPaused(r.Context(), caller(r), module, req.Paused); err != nil {
		writeError(w, err)
		return
	}
	s.ok(w, map[string]any{"module": module, "paused": req.Paused})
}
