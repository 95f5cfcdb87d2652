package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/koltyakov/edgetun/internal/identity"
)

func runEnroll(ctx context.Context, args []string) int {
	a, rest, code := openApp(ctx, "enroll", args)
	if code != 0 {
		return code
	}
	defer a.Close()

	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "enroll command error: expected a single enrollment file, e.g. `edgetun enroll device.jwt`")
		return 2
	}
	raw, err := os.ReadFile(rest[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "enroll command error:", err)
		return 1
	}
	id, err := identity.ParseEnrollment(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "enroll command error:", err)
		return 2
	}
	if st := id.EnrollmentStatus(time.Now()); st == identity.StatusExpired {
		fmt.Fprintln(os.Stderr, "enroll command error: enrollment token expired at", id.ExpiresAt.Format(time.RFC3339))
		return 1
	}
	err = a.reg.Add(ctx, id)
	if errors.Is(err, identity.ErrDuplicateIdentity) {
		// A pending leftover from an interrupted run is replaced.
		if prev, getErr := a.reg.Get(id.ID); getErr == nil && !prev.Enrolled() {
			a.log.Info("replacing pending identity", "identity", id.ID)
			if rmErr := a.reg.Remove(ctx, id.ID); rmErr != nil {
				a.log.Warn("pending identity cleanup incomplete", "identity", id.ID, "err", rmErr)
			}
			err = a.reg.Add(ctx, id)
		}
	}
	if err != nil {
		if errors.Is(err, identity.ErrDuplicateIdentity) {
			fmt.Fprintf(os.Stderr, "enroll command error: identity %s already exists; remove it first\n", id.ID)
			return 1
		}
		fmt.Fprintln(os.Stderr, "enroll command error:", err)
		return 1
	}

	c, code := a.client("enroll", []string{id.ID})
	if code != 0 {
		return code
	}
	if err := c.Enroll(ctx); err != nil {
		// Roll back so the same enrollment file can be retried.
		if rmErr := a.reg.Remove(ctx, id.ID); rmErr != nil {
			a.log.Warn("enroll rollback incomplete", "identity", id.ID, "err", rmErr)
		}
		fmt.Fprintln(os.Stderr, "enroll error:", err)
		return 1
	}
	a.persist(ctx, id)
	fmt.Printf("enrolled %s (%s)\n", id.Name, id.ID)
	return 0
}

func runList(ctx context.Context, args []string) int {
	a, _, code := openApp(ctx, "list", args)
	if code != 0 {
		return code
	}
	defer a.Close()

	writeIdentityTable(os.Stdout, a.reg.List(), time.Now())
	return 0
}

func writeIdentityTable(w io.Writer, ids []*identity.Identity, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tENABLED\tREACHABILITY\tCONTROLLER")
	for _, id := range ids {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			id.ID, id.Name, enrollmentStatusName(id.EnrollmentStatus(now)), id.Enabled(), id.EdgeStatus().Status, id.ControllerHost())
	}
	_ = tw.Flush()
}

func enrollmentStatusName(st identity.EnrollmentStatus) string {
	switch st {
	case identity.StatusEnrolled:
		return "enrolled"
	case identity.StatusExpired:
		return "expired"
	default:
		return "pending"
	}
}

func runKey(ctx context.Context, args []string) int {
	a, rest, code := openApp(ctx, "key", args)
	if code != 0 {
		return code
	}
	defer a.Close()

	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "key command error: expected an identity id")
		return 2
	}
	id, err := a.reg.Get(rest[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "key command error:", err)
		return 1
	}
	keyPEM, err := a.keys.KeyPEM(ctx, id.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "key command error:", err)
		return 1
	}
	fmt.Print(keyPEM)
	certPEM, err := a.keys.CertificatePEM(ctx, id.Name)
	if err != nil {
		fmt.Fprintln(os.Stderr, "no certificate stored:", err)
		return 0
	}
	fmt.Print(certPEM)
	return 0
}

func runRemove(ctx context.Context, args []string) int {
	a, rest, code := openApp(ctx, "remove", args)
	if code != 0 {
		return code
	}
	defer a.Close()

	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "remove command error: expected an identity id")
		return 2
	}
	if err := a.reg.Remove(ctx, rest[0]); err != nil {
		fmt.Fprintln(os.Stderr, "remove error:", err)
		return 1
	}
	fmt.Println("removed", rest[0])
	return 0
}
