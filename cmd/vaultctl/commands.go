package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/dtroode/didkeeper/internal/api/grpc/api"
	"github.com/dtroode/didkeeper/internal/api/grpc/client"
	"github.com/dtroode/didkeeper/internal/model"
)

func (a *app) root(ctx context.Context) *command {
	return &command{
		name: "vaultctl",
		subcommands: []*command{
			{name: "status", summary: "Show whether a vault exists and the session state", run: a.status(ctx)},
			{name: "create", summary: "Create a new vault and print its recovery phrase", run: a.create(ctx)},
			{name: "import", summary: "Import a vault from a recovery phrase", run: a.importVault(ctx)},
			{name: "recover", summary: "Recover a vault and scan for its registered identities", run: a.recover(ctx)},
			{
				name:    "restore",
				summary: "Restore a vault from an encrypted backup",
				flags:   func(fs *pflag.FlagSet) { fs.String("key", "", "backup object key, latest when empty") },
				run:     a.restore(ctx),
			},
			{name: "unlock", summary: "Unlock the session", run: a.unlock(ctx)},
			{name: "lock", summary: "Lock the session", run: a.lock(ctx)},
			{
				name:    "reset",
				summary: "Delete the vault, its grants and tokens",
				flags:   func(fs *pflag.FlagSet) { fs.Bool("yes", false, "confirm the reset") },
				run:     a.reset(ctx),
			},
			{
				name:    "identity",
				summary: "Manage identities",
				subcommands: []*command{
					{
						name:    "new",
						summary: "Derive the next identity",
						flags:   func(fs *pflag.FlagSet) { fs.String("name", "", "display name") },
						run:     a.identityNew(ctx),
					},
					{name: "list", summary: "List identities", run: a.identityList(ctx)},
					{name: "switch", summary: "Make an identity active", args: "<did>", run: a.identityDID(ctx, (*client.Client).SwitchIdentity)},
					{name: "delete", summary: "Remove an identity from the vault", args: "<did>", run: a.identityDID(ctx, (*client.Client).DeleteIdentity)},
					{name: "login", summary: "Log an identity in to the control plane", args: "<did>", run: a.identityDID(ctx, (*client.Client).LoginIdentity)},
					{name: "register", summary: "Register an identity with the control plane", args: "<did>", run: a.identityDID(ctx, (*client.Client).RegisterIdentity)},
				},
			},
			{
				name:    "consent",
				summary: "Answer application consent requests",
				subcommands: []*command{
					{name: "list", summary: "List pending consent requests", run: a.consentList(ctx)},
					{
						name:    "allow",
						summary: "Allow a pending request",
						args:    "<request-id>",
						flags: func(fs *pflag.FlagSet) {
							fs.StringSlice("grant", nil, "scope=always|ask|never, repeatable")
						},
						run: a.consentDecide(ctx, model.DecisionAllow),
					},
					{name: "deny", summary: "Deny a pending request", args: "<request-id>", run: a.consentDecide(ctx, model.DecisionDeny)},
					{name: "grants", summary: "List the grants of an identity", args: "<did>", run: a.consentGrants(ctx)},
					{name: "revoke", summary: "Forget the grant of an application", args: "<did> <origin> <app-id>", run: a.consentRevoke(ctx)},
				},
			},
			{
				name:    "watch",
				summary: "Stream state changes",
				flags:   func(fs *pflag.FlagSet) { fs.Bool("consent", true, "act as a consent surface") },
				run:     a.watch(ctx),
			},
		},
	}
}

type runFunc func(fs *pflag.FlagSet, args []string) error

func (a *app) status(ctx context.Context) runFunc {
	return func(_ *pflag.FlagSet, _ []string) error {
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			st, err := c.GetLockState(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "vault:   %s\n", yesNo(st.VaultExists, "present", "absent"))
			fmt.Fprintf(a.out, "session: %s\n", st.Session.State)
			if st.Session.ActiveDID != "" {
				fmt.Fprintf(a.out, "active:  %s (index %d)\n", st.Session.ActiveDID, st.Session.ActiveIndex)
			}
			return nil
		})
	}
}

func (a *app) create(ctx context.Context) runFunc {
	return func(_ *pflag.FlagSet, _ []string) error {
		password, err := a.prompt.newPassword()
		if err != nil {
			return err
		}
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			res, err := c.CreateVault(ctx, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Vault created. Write down the recovery phrase, it is shown once:")
			fmt.Fprintf(a.out, "\n  %s\n\n", res.Mnemonic)
			a.printWarnings(res.Warnings)
			return nil
		})
	}
}

func (a *app) importVault(ctx context.Context) runFunc {
	return func(_ *pflag.FlagSet, _ []string) error {
		mnemonic, password, err := a.mnemonicAndPassword()
		if err != nil {
			return err
		}
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			res, err := c.ImportVault(ctx, mnemonic, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Imported %s\n", res.Identity.DID)
			a.printWarnings(res.Warnings)
			return nil
		})
	}
}

func (a *app) recover(ctx context.Context) runFunc {
	return func(_ *pflag.FlagSet, _ []string) error {
		mnemonic, password, err := a.mnemonicAndPassword()
		if err != nil {
			return err
		}
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			res, err := c.RecoverIdentities(ctx, mnemonic, password)
			if err != nil {
				return err
			}
			if res.NothingFound {
				fmt.Fprintf(a.out, "No registered identities found in indices 0..%d\n", res.ScannedThrough)
			} else {
				fmt.Fprintf(a.out, "Recovered %d identities, next index %d\n", len(res.Identities), res.NextIndex)
				a.printIdentities(res.Identities, "")
			}
			if len(res.ProbeFailures) > 0 {
				fmt.Fprintf(a.out, "Probes failed at indices %v, run recover again later to rescan them\n", res.ProbeFailures)
			}
			a.printWarnings(res.Warnings)
			return nil
		})
	}
}

func (a *app) restore(ctx context.Context) runFunc {
	return func(fs *pflag.FlagSet, _ []string) error {
		key, _ := fs.GetString("key")
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			res, err := c.RestoreBackup(ctx, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Restored %s with %d identities, unlock to continue\n", res.Key, len(res.Identities))
			return nil
		})
	}
}

func (a *app) unlock(ctx context.Context) runFunc {
	return func(_ *pflag.FlagSet, _ []string) error {
		password, err := a.prompt.secret("Password")
		if err != nil {
			return err
		}
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			snap, err := c.Unlock(ctx, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Unlocked, active identity %s\n", orNone(snap.ActiveDID))
			return nil
		})
	}
}

func (a *app) lock(ctx context.Context) runFunc {
	return func(_ *pflag.FlagSet, _ []string) error {
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			if err := c.Lock(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Locked")
			return nil
		})
	}
}

func (a *app) reset(ctx context.Context) runFunc {
	return func(fs *pflag.FlagSet, _ []string) error {
		if yes, _ := fs.GetBool("yes"); !yes {
			return fmt.Errorf("%w: reset deletes the vault, pass --yes to confirm", errUsage)
		}
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			if err := c.ResetVault(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Vault removed")
			return nil
		})
	}
}

func (a *app) identityNew(ctx context.Context) runFunc {
	return func(fs *pflag.FlagSet, _ []string) error {
		name, _ := fs.GetString("name")
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			res, err := c.CreateIdentity(ctx, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Created %s at %s\n", res.Identity.DID, res.Identity.DerivationPath)
			a.printWarnings(res.Warnings)
			return nil
		})
	}
}

func (a *app) identityList(ctx context.Context) runFunc {
	return func(_ *pflag.FlagSet, _ []string) error {
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			st, err := c.GetLockState(ctx)
			if err != nil {
				return err
			}
			list, err := c.ListIdentities(ctx)
			if err != nil {
				return err
			}
			a.printIdentities(list, st.Session.ActiveDID)
			return nil
		})
	}
}

type identityCall func(c *client.Client, ctx context.Context, did string) (*api.IdentityResponse, error)

func (a *app) identityDID(ctx context.Context, fn identityCall) runFunc {
	return func(_ *pflag.FlagSet, args []string) error {
		if err := exactArgs(1, args, "<did>"); err != nil {
			return err
		}
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			res, err := fn(c, ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s  %s\n", res.Identity.DID, orNone(res.Identity.DisplayName))
			fmt.Fprintf(a.out, "session: %s, active %s\n", res.Session.State, orNone(res.Session.ActiveDID))
			a.printWarnings(res.Warnings)
			return nil
		})
	}
}

func (a *app) consentList(ctx context.Context) runFunc {
	return func(_ *pflag.FlagSet, _ []string) error {
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			pending, err := c.PendingConsents(ctx)
			if err != nil {
				return err
			}
			a.printConsents(pending)
			return nil
		})
	}
}

func (a *app) consentDecide(ctx context.Context, decision model.Decision) runFunc {
	return func(fs *pflag.FlagSet, args []string) error {
		if err := exactArgs(1, args, "<request-id>"); err != nil {
			return err
		}
		var grants map[string]model.GrantLevel
		if decision == model.DecisionAllow {
			raw, _ := fs.GetStringSlice("grant")
			var err error
			if grants, err = parseGrants(raw); err != nil {
				return err
			}
		}
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			if err := c.SubmitConsentDecision(ctx, args[0], decision, grants); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Request %s: %s\n", args[0], decision)
			return nil
		})
	}
}

func (a *app) consentGrants(ctx context.Context) runFunc {
	return func(_ *pflag.FlagSet, args []string) error {
		if err := exactArgs(1, args, "<did>"); err != nil {
			return err
		}
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			grants, err := c.ListGrants(ctx, args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ORIGIN\tAPP\tSCOPES")
			for _, g := range grants {
				scopes := "denied"
				if !g.Denied {
					scopes = formatScopes(g.Scopes)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", g.Origin, g.AppID, scopes)
			}
			return tw.Flush()
		})
	}
}

func (a *app) consentRevoke(ctx context.Context) runFunc {
	return func(_ *pflag.FlagSet, args []string) error {
		if err := exactArgs(3, args, "<did> <origin> <app-id>"); err != nil {
			return err
		}
		return a.call(ctx, func(ctx context.Context, c *client.Client) error {
			if err := c.RevokeApp(ctx, args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Revoked %s for %s\n", args[2], args[1])
			return nil
		})
	}
}

func (a *app) watch(ctx context.Context) runFunc {
	return func(fs *pflag.FlagSet, _ []string) error {
		consent, _ := fs.GetBool("consent")
		c, err := a.dial()
		if err != nil {
			return err
		}
		defer c.Close()

		seen := make(map[string]bool)
		err = c.Watch(ctx, consent, func(ev model.StateEvent) error {
			fmt.Fprintf(a.out, "[%s] session %s, active %s, %d identities\n",
				ev.At.Format("15:04:05"), ev.Session.State, orNone(ev.Session.ActiveDID), len(ev.Identities))
			var fresh []model.ConsentRequest
			for _, req := range ev.PendingConsents {
				if !seen[req.ID] {
					seen[req.ID] = true
					fresh = append(fresh, req)
				}
			}
			if len(fresh) > 0 {
				a.printConsents(fresh)
			}
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func (a *app) mnemonicAndPassword() (string, string, error) {
	mnemonic, err := a.prompt.secret("Recovery phrase")
	if err != nil {
		return "", "", err
	}
	password, err := a.prompt.newPassword()
	if err != nil {
		return "", "", err
	}
	return mnemonic, password, nil
}

func (a *app) printIdentities(list []model.IdentityRecord, active string) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tINDEX\tDID\tNAME")
	for _, rec := range list {
		marker := ""
		if rec.DID == active {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", marker, rec.DerivationIndex, rec.DID, rec.DisplayName)
	}
	tw.Flush()
}

func (a *app) printConsents(list []model.ConsentRequest) {
	for _, req := range list {
		fmt.Fprintf(a.out, "consent %s: %s (%s) at %s asks for %s\n",
			req.ID, req.AppName, req.AppID, req.Origin, strings.Join(req.RequestedScopes, ", "))
	}
}

func (a *app) printWarnings(warnings []model.Warning) {
	for _, w := range warnings {
		fmt.Fprintf(a.out, "warning: %s failed (%s): %s\n", w.Step, w.Kind, w.Message)
	}
}

func parseGrants(raw []string) (map[string]model.GrantLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	grants := make(map[string]model.GrantLevel, len(raw))
	for _, item := range raw {
		scope, level, ok := strings.Cut(item, "=")
		if !ok || scope == "" || !model.GrantLevel(level).Valid() {
			return nil, fmt.Errorf("%w: bad grant %q, want scope=always|ask|never", errUsage, item)
		}
		grants[scope] = model.GrantLevel(level)
	}
	return grants, nil
}

func formatScopes(scopes map[string]model.GrantLevel) string {
	parts := make([]string, 0, len(scopes))
	for scope, level := range scopes {
		parts = append(parts, scope+"="+string(level))
	}
	slices.Sort(parts)
	return strings.Join(parts, " ")
}

func yesNo(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
