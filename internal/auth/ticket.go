// Package auth issues and validates signed join tickets. A ticket is minted
// by the REST join endpoint and presented over the socket; the role a user
// ends up with comes from the ticket, never from a re-typed nickname.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Ticket struct {
	PresentationID string `json:"pid"`
	Nickname       string `json:"nick"`
	Role           int    `json:"role"`
	ConnectionID   string `json:"cid"`
	Exp            int64  `json:"exp"`
}

var (
	ErrInvalidTicket = errors.New("invalid ticket")
	ErrExpiredTicket = errors.New("expired ticket")
)

func IssueTicket(secret []byte, ticket Ticket) (string, error) {
	payloadBytes, err := json.Marshal(ticket)
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

func ParseTicket(secret []byte, token string) (Ticket, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Ticket{}, ErrInvalidTicket
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Ticket{}, ErrInvalidTicket
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Ticket{}, ErrInvalidTicket
	}

	var ticket Ticket
	if err := json.Unmarshal(decoded, &ticket); err != nil {
		return Ticket{}, ErrInvalidTicket
	}
	if ticket.PresentationID == "" || ticket.Nickname == "" || ticket.ConnectionID == "" || ticket.Exp == 0 {
		return Ticket{}, ErrInvalidTicket
	}
	if time.Now().Unix() >= ticket.Exp {
		return Ticket{}, ErrExpiredTicket
	}
	return ticket, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
