package credstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// consentWait caps how long the loopback listener waits for the browser
// redirect before giving up.
const consentWait = 5 * time.Minute

// loopbackConsent runs the installed-app consent flow: bind an ephemeral
// loopback port, direct the operator's browser at the authorization URL,
// and exchange the code delivered on the redirect.
func loopbackConsent(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("binding loopback port: %w", err)
	}
	defer ln.Close()

	local := *cfg
	local.RedirectURL = fmt.Sprintf("http://%s/callback", ln.Addr().String())

	state := uuid.New().String()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errCh <- fmt.Errorf("consent state mismatch")
			return
		}
		if e := r.URL.Query().Get("error"); e != "" {
			http.Error(w, "consent denied", http.StatusForbidden)
			errCh <- fmt.Errorf("consent denied: %s", e)
			return
		}
		fmt.Fprintln(w, "Authorization received. You can close this window.")
		codeCh <- r.URL.Query().Get("code")
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	authURL := local.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Printf("Open the following URL in a browser to authorize access:\n\n  %s\n\n", authURL)

	timer := time.NewTimer(consentWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("consent flow timed out after %s", consentWait)
	case err := <-errCh:
		return nil, err
	case code := <-codeCh:
		return local.Exchange(ctx, code)
	}
}
