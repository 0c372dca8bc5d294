// Command smoke-auth exercises a running auth service end to end, playing
// the part of the downstream token issuer: verify credentials, mint a JWT,
// register the session, validate it, provoke a session conflict, force a
// replacement and log out.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type verifyResponse struct {
	OK              bool           `json:"ok"`
	UserID          string         `json:"userId"`
	Roles           []string       `json:"roles"`
	SessionConflict bool           `json:"session_conflict"`
	ExistingSession map[string]any `json:"existing_session"`
	SessionID       string         `json:"session_id"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
	UserID string `json:"user_id"`
}

type logoutResponse struct {
	Success            bool  `json:"success"`
	SessionsTerminated int64 `json:"sessions_terminated"`
}

func main() {
	baseURL := envOr("VUBANK_AUTH_URL", "http://localhost:8001")
	username := envOr("VUBANK_SMOKE_USER", "alice")
	password := envOr("VUBANK_SMOKE_PASS", "pw1")
	secret := envOr("VUBANK_JWT_SECRET", "dev-secret")

	client := &http.Client{Timeout: 10 * time.Second}

	var first verifyResponse
	post(client, baseURL+"/verify", map[string]any{
		"username": username,
		"password": password,
	}, &first)
	if !first.OK || first.SessionID == "" {
		log.Fatalf("verify: expected admission, got %+v", first)
	}
	log.Printf("verified %s, session %s", username, first.SessionID)

	token := mintToken(secret, first.UserID, first.Roles)

	var created map[string]any
	post(client, baseURL+"/create-session", map[string]any{
		"user_id":    first.UserID,
		"session_id": first.SessionID,
		"jwt_token":  token,
	}, &created)
	if created["success"] != true {
		log.Fatalf("create-session: %v", created)
	}

	var valid validateResponse
	post(client, baseURL+"/validate-session", map[string]any{
		"session_id": first.SessionID,
		"jwt_token":  token,
	}, &valid)
	if !valid.Valid || valid.UserID != first.UserID {
		log.Fatalf("validate-session: expected valid, got %+v", valid)
	}

	var conflicted verifyResponse
	post(client, baseURL+"/verify", map[string]any{
		"username": username,
		"password": password,
	}, &conflicted)
	if conflicted.OK || !conflicted.SessionConflict {
		log.Fatalf("verify: expected session conflict, got %+v", conflicted)
	}
	log.Printf("session conflict reported, existing session from %v", conflicted.ExistingSession["created_at"])

	var forced verifyResponse
	post(client, baseURL+"/verify", map[string]any{
		"username":    username,
		"password":    password,
		"force_login": true,
	}, &forced)
	if !forced.OK || forced.SessionID == "" || forced.SessionID == first.SessionID {
		log.Fatalf("forced verify: expected fresh session, got %+v", forced)
	}

	var terminated validateResponse
	post(client, baseURL+"/validate-session", map[string]any{
		"session_id": first.SessionID,
		"jwt_token":  token,
	}, &terminated)
	if terminated.Valid || terminated.Reason != "session_terminated" {
		log.Fatalf("validate-session after force: got %+v", terminated)
	}

	var out logoutResponse
	post(client, baseURL+"/logout", map[string]any{
		"user_id":       first.UserID,
		"terminate_all": true,
	}, &out)
	if !out.Success {
		log.Fatalf("logout: %+v", out)
	}

	fmt.Printf("smoke-auth OK: forced replacement verified, %d session(s) terminated on logout\n", out.SessionsTerminated)
}

func mintToken(secret, userID string, roles []string) string {
	claims := jwt.MapClaims{
		"user_id": userID,
		"roles":   roles,
		"iss":     "vubank-login-service",
		"iat":     jwt.NewNumericDate(time.Now()),
		"exp":     jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	return token
}

func post(client *http.Client, url string, body map[string]any, out any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("call %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatalf("decode response from %s: %v", url, err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
