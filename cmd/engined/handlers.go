package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"auctionflow/auction"
)

// api is the thin HTTP edge over the engine. Authentication happens upstream;
// the edge trusts the X-User-ID header set by the gateway.
type api struct {
	intake *auction.Intake
	engine *auction.Engine
	store  auction.Store
	log    *slog.Logger
}

type bidRequest struct {
	Amount string `json:"amount"`
}

type bidResponse struct {
	BidID      string `json:"bid_id"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	NewEndTime string `json:"new_end_time,omitempty"`
}

func (s *api) placeBid(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	bidderID := r.Header.Get("X-User-ID")
	if bidderID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, http.StatusBadRequest, "invalid bid amount")
		return
	}

	accepted, err := s.intake.Submit(r.Context(), auctionID, bidderID, amount)
	if err != nil {
		s.writeBidError(w, auctionID, err)
		return
	}

	resp := bidResponse{
		BidID:  accepted.BidID,
		Status: string(accepted.Status),
		Amount: accepted.Amount.String(),
	}
	if accepted.NewEndTime != nil {
		resp.NewEndTime = accepted.NewEndTime.UTC().Format(timeLayout)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *api) writeBidError(w http.ResponseWriter, auctionID string, err error) {
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound):
		writeError(w, http.StatusNotFound, "auction not found")
	case errors.Is(err, auction.ErrNotActive), errors.Is(err, auction.ErrDeadlinePassed):
		writeError(w, http.StatusConflict, "auction is not accepting bids")
	case errors.Is(err, auction.ErrSelfBid):
		writeError(w, http.StatusForbidden, "sellers cannot bid on their own auction")
	case errors.Is(err, auction.ErrBelowMinimum):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auction.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient available balance")
	case errors.Is(err, auction.ErrBidConflict):
		// The price moved under the caller; they should re-read and retry.
		writeError(w, http.StatusConflict, "outbid during submission, retry with a higher amount")
	default:
		s.log.Error("bid submission failed", "auction", auctionID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *api) withdrawBid(w http.ResponseWriter, r *http.Request) {
	bidID := mux.Vars(r)["id"]
	requesterID := r.Header.Get("X-User-ID")
	if requesterID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	err := s.intake.Withdraw(r.Context(), bidID, requesterID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, auction.ErrBidNotFound):
		writeError(w, http.StatusNotFound, "bid not found")
	case errors.Is(err, auction.ErrWithdrawForbidden):
		writeError(w, http.StatusForbidden, "bid cannot be withdrawn")
	default:
		s.log.Error("bid withdrawal failed", "bid", bidID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *api) closeAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	requesterID := r.Header.Get("X-User-ID")
	if requesterID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	closed, err := s.engine.CloseManually(r.Context(), auctionID, requesterID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, closedResponse(closed))
	case errors.Is(err, auction.ErrAuctionNotFound):
		writeError(w, http.StatusNotFound, "auction not found")
	case errors.Is(err, auction.ErrNotSeller):
		writeError(w, http.StatusForbidden, "only the seller can close the auction")
	case errors.Is(err, auction.ErrNotActive):
		writeError(w, http.StatusConflict, "auction is not active")
	default:
		s.log.Error("manual close failed", "auction", auctionID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

type auctionResponse struct {
	ID             string `json:"id"`
	SellerID       string `json:"seller_id"`
	Status         string `json:"status"`
	CurrentBid     string `json:"current_bid"`
	MinimumBid     string `json:"minimum_bid"`
	BidIncrement   string `json:"bid_increment"`
	EndTime        string `json:"end_time"`
	AutoExtend     bool   `json:"auto_extend"`
	HighestBidder  string `json:"highest_bidder,omitempty"`
	TotalBids      int    `json:"total_bids"`
	Winner         string `json:"winner,omitempty"`
	TimeRemainingS int64  `json:"time_remaining_seconds"`
}

func (s *api) getAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]

	a, err := s.store.GetAuction(r.Context(), auctionID)
	if err != nil {
		if errors.Is(err, auction.ErrAuctionNotFound) {
			writeError(w, http.StatusNotFound, "auction not found")
			return
		}
		s.log.Error("get auction failed", "auction", auctionID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, auctionResponse{
		ID:             a.ID,
		SellerID:       a.SellerID,
		Status:         string(a.Status),
		CurrentBid:     a.CurrentBid.String(),
		MinimumBid:     a.MinimumBid().String(),
		BidIncrement:   a.BidIncrement.String(),
		EndTime:        a.EndTime.UTC().Format(timeLayout),
		AutoExtend:     a.AutoExtend,
		HighestBidder:  a.HighestBidder,
		TotalBids:      a.TotalBids,
		Winner:         a.Winner,
		TimeRemainingS: int64(a.TimeRemaining(time.Now()).Seconds()),
	})
}

type bidListEntry struct {
	ID       string `json:"id"`
	BidderID string `json:"bidder_id"`
	Amount   string `json:"amount"`
	Status   string `json:"status"`
	PlacedAt string `json:"placed_at"`
}

func (s *api) listBids(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]

	bids, err := s.store.ListBidsByAuction(r.Context(), auctionID)
	if err != nil {
		s.log.Error("list bids failed", "auction", auctionID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	entries := make([]bidListEntry, 0, len(bids))
	for _, b := range bids {
		entries = append(entries, bidListEntry{
			ID:       b.ID,
			BidderID: b.BidderID,
			Amount:   b.Amount.String(),
			Status:   string(b.Status),
			PlacedAt: b.CreatedAt.UTC().Format(timeLayout),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func closedResponse(c auction.AuctionClosed) map[string]any {
	return map[string]any{
		"auction_id":  c.AuctionID,
		"winner":      c.Winner,
		"amount":      c.Amount.String(),
		"reserve_met": c.ReserveMet,
		"closed_at":   c.ClosedAt.UTC().Format(timeLayout),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
