package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/koltyakov/edgetun/internal/domain"
	"github.com/koltyakov/edgetun/internal/identity"
	"github.com/koltyakov/edgetun/internal/keychain"
)

type authenticateResponse struct {
	Data struct {
		Session struct {
			Token string `json:"token"`
		} `json:"session"`
	} `json:"data"`
}

// Authenticate exchanges the identity's client certificate for a session
// token. Concurrent callers share a single in-flight request.
func (c *Client) Authenticate(ctx context.Context) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	return c.reauthenticate(ctx)
}

// reauthenticate joins the in-flight authentication or starts one. The
// shared call is bound to the identity and the client timeout rather than
// to any caller, so a caller giving up does not fail the others.
func (c *Client) reauthenticate(ctx context.Context) error {
	ch := c.auth.DoChan("authenticate", func() (any, error) {
		authCtx, cancel := c.callContext(context.Background())
		defer cancel()
		authCtx, cancelTimeout := context.WithTimeout(authCtx, c.opts.Timeout)
		defer cancelTimeout()
		return nil, c.authenticate(authCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		if c.removed(ctx) {
			return c.removedError("authenticate")
		}
		return ctx.Err()
	}
}

func (c *Client) authenticate(ctx context.Context) error {
	const op = "authenticate"
	req, err := c.newRequest(http.MethodPost, c.apiURL(authenticatePath), contentTypeJSON, nil)
	if err != nil {
		return &domain.EdgeError{IdentityID: c.id.ID, Op: op, Kind: domain.ErrAuthenticationFailed, Err: err}
	}
	resp, err := c.send(ctx, op, req)
	if err != nil {
		return err
	}
	if resp.status != http.StatusOK {
		return c.httpError(op, domain.ErrAuthenticationFailed, resp)
	}
	var out authenticateResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return &domain.EdgeError{IdentityID: c.id.ID, Op: op, StatusCode: resp.status, Kind: domain.ErrAuthenticationFailed, Err: err}
	}
	token := strings.TrimSpace(out.Data.Session.Token)
	if token == "" {
		return &domain.EdgeError{IdentityID: c.id.ID, Op: op, StatusCode: resp.status, Kind: domain.ErrAuthenticationFailed, Message: "response carries no session token"}
	}
	c.id.SetSessionToken(token)
	c.log.Info("authenticated")
	return nil
}

// Enroll trusts the identity's root CA, ensures a key pair, submits a CSR
// to the enrollment URL, and stores the returned certificate under the
// identity name. The identity is marked enrolled only after the
// certificate is stored.
func (c *Client) Enroll(ctx context.Context) error {
	const op = "enroll"
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if c.id.Method == identity.MethodUnrecognized {
		return &domain.EdgeError{IdentityID: c.id.ID, Op: op, Kind: domain.ErrInvalidEnrollmentDocument, Message: "unsupported enrollment method"}
	}

	c.trustRootCA(ctx)

	priv, err := c.keys.EnsureKeyPair(ctx, c.id.ID)
	if err != nil {
		return &domain.EdgeError{IdentityID: c.id.ID, Op: op, Err: err}
	}
	csr, err := c.keys.BuildCSR(c.id.ID, priv, &priv.PublicKey)
	if err != nil {
		return &domain.EdgeError{IdentityID: c.id.ID, Op: op, Err: err}
	}
	body := keychain.ConvertToPEM(domain.PEMCertificateRequest, csr)

	req, err := c.newRequest(http.MethodPost, c.id.EnrollmentURL, contentTypeText, []byte(body))
	if err != nil {
		return &domain.EdgeError{IdentityID: c.id.ID, Op: op, Kind: domain.ErrEnrollmentRequestFailed, Err: err}
	}
	req.Header.Set("Accept", "application/x-pem-file, text/plain, */*")
	resp, err := c.send(ctx, op, req)
	if err != nil {
		return err
	}
	if resp.status != http.StatusOK {
		return c.httpError(op, domain.ErrEnrollmentRequestFailed, resp)
	}

	certs := keychain.ExtractCertificates(string(resp.body))
	if len(certs) == 0 {
		return &domain.EdgeError{IdentityID: c.id.ID, Op: op, StatusCode: resp.status, Kind: domain.ErrCertificateDecodeFailed, Message: "response carries no certificate"}
	}
	der, err := keychain.ConvertToDER(certs[0])
	if err != nil {
		return &domain.EdgeError{IdentityID: c.id.ID, Op: op, Err: err}
	}
	if err := c.keys.StoreCertificate(ctx, der, c.id.Name); err != nil {
		return &domain.EdgeError{IdentityID: c.id.ID, Op: op, Err: err}
	}

	if c.removed(ctx) {
		// The registry may already have released key material; drop what
		// this call stored after that.
		if err := c.keys.Release(context.WithoutCancel(ctx), c.id.ID, c.id.Name); err != nil {
			c.log.Warn("release after removal failed", "err", err)
		}
		return c.removedError(op)
	}
	c.id.SetEnrolled(true)
	c.log.Info("enrolled", "certificate_label", c.id.Name)
	return nil
}

// trustRootCA stores the first root certificate of the identity's CA bundle
// under the controller host. Failures are logged and ignored.
func (c *Client) trustRootCA(ctx context.Context) {
	if c.id.RootCA == "" {
		return
	}
	host := c.id.ControllerHost()
	certs, err := keychain.ParseCertificates(c.id.RootCA)
	if err != nil {
		c.log.Warn("root ca bundle unreadable", "err", err)
		return
	}
	for _, cert := range certs {
		if !keychain.IsRootCA(cert) {
			continue
		}
		if err := c.keys.StoreCertificate(ctx, cert.Raw, host); err != nil {
			c.log.Warn("trusting root ca failed", "host", host, "err", fmt.Errorf("store: %w", err))
		}
		return
	}
}
