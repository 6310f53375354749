package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pavelanni/tryout/internal/catalog"
	appI18n "github.com/pavelanni/tryout/internal/i18n"
	"github.com/pavelanni/tryout/internal/tryout"
	"github.com/pavelanni/tryout/internal/wallet"
)

const publishedKeyPrefix = "published:"

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import package definitions (YAML or JSON) into the database",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	f.Bool("force", false, "Re-import files that changed since their last import")
	f.StringP("lang", "l", "en", "Output language (en, id)")
	addLogFlags(f)
	return cmd
}

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Send a stored package and its questions to the ingestion webhooks",
		RunE:  runPublish,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	addIngestFlags(f)
	f.String("package-id", "", "Package to publish (required)")
	f.Bool("force", false, "Publish again even if the package was already published")
	f.StringP("lang", "l", "en", "Output language (en, id)")
	addLogFlags(f)
	_ = cmd.MarkFlagRequired("package-id")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Finalize expired sessions and expire overdue payments once",
		RunE:  runSweep,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	addServiceFlags(f)
	f.StringP("lang", "l", "en", "Output language (en, id)")
	addLogFlags(f)
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check package definition files without importing them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}
	addLogFlags(cmd.Flags())
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the ranked results of a package as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	addServiceFlags(f)
	f.String("package-id", "", "Package to export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.StringP("lang", "l", "en", "Output language (en, id)")
	addLogFlags(f)
	_ = cmd.MarkFlagRequired("package-id")
	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	db, err := openBackend(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	force := v.GetBool("force")
	for _, path := range args {
		if err := importFile(ctx, db, path, force, out); err != nil {
			return err
		}
	}
	return nil
}

func importFile(ctx context.Context, db backend, path string, force bool, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	hash := sha256sum(data)
	storedHash, err := db.GetImportedFileHash(ctx, path)
	if err != nil {
		return fmt.Errorf("check import status for %s: %w", path, err)
	}
	if storedHash == hash {
		slog.Info("package file unchanged, skipping", "path", path)
		fmt.Fprintln(out, appI18n.Td(ctx, "PackageSkipped", map[string]any{"File": path}))
		return nil
	}
	if storedHash != "" && !force {
		slog.Warn("package file changed since last import, skipping to avoid rescoring existing sessions; use --force to override",
			"path", path)
		return nil
	}

	pkg, questions, err := catalog.Parse(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := db.SavePackage(ctx, pkg, questions); err != nil {
		return fmt.Errorf("save package from %s: %w", path, err)
	}
	if err := db.SetImportedFileHash(ctx, path, hash); err != nil {
		return fmt.Errorf("record import for %s: %w", path, err)
	}
	slog.Info("imported package", "path", path, "package_id", pkg.ID, "questions", len(questions))
	fmt.Fprintln(out, appI18n.Td(ctx, "PackageImported", map[string]any{"Title": pkg.Title, "Questions": len(questions)}))
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	var failed int
	for _, path := range args {
		pkg, questions, err := catalog.Load(path)
		if err != nil {
			slog.Error("invalid package file", "path", path, "error", err)
			failed++
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d sections, %d questions\n", path, pkg.Title, len(pkg.Sections), len(questions))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, len(args))
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func runPublish(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	client := ingestClient(v)
	if client == nil {
		return fmt.Errorf("--ingest-package-url and --ingest-questions-url are required")
	}
	db, err := openBackend(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	pkgID := v.GetString("package-id")
	key := publishedKeyPrefix + pkgID
	if remote, err := db.GetMetadata(ctx, key); err != nil {
		return fmt.Errorf("check publish status: %w", err)
	} else if remote != "" && !v.GetBool("force") {
		slog.Info("package already published, skipping", "package_id", pkgID, "remote_id", remote)
		return nil
	}

	pkg, err := db.GetPackage(ctx, pkgID)
	if err != nil {
		return err
	}
	questions, err := db.GetQuestions(ctx, pkgID)
	if err != nil {
		return err
	}
	pub, err := client.Publish(ctx, pkg, questions)
	if err != nil {
		return err
	}
	if err := db.SetMetadata(ctx, key, pub.PackageID); err != nil {
		return fmt.Errorf("record publication: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), appI18n.Td(ctx, "PackagePublished", map[string]any{"Title": pkg.Title, "RemoteID": pub.PackageID}))
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	cfg, err := serviceConfig(v)
	if err != nil {
		return err
	}
	db, err := openBackend(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := tryout.NewService(db, cfg).SweepExpired(ctx)
	if err != nil {
		return err
	}
	payments, err := wallet.NewService(db, cfg.PaymentTTL).ExpireStale(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, appI18n.Tp(ctx, "SessionsFinalized", sessions))
	fmt.Fprintln(out, appI18n.Tp(ctx, "PaymentsExpired", payments))
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	cfg, err := serviceConfig(v)
	if err != nil {
		return err
	}
	db, err := openBackend(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := tryout.NewService(db, cfg).Export(ctx, db, v.GetString("package-id"))
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported results", "package_id", export.PackageID, "results", len(export.Results))
	if outPath != "" && outPath != "-" {
		fmt.Fprintln(cmd.ErrOrStderr(), appI18n.Td(ctx, "ExportWritten", map[string]any{"Count": len(export.Results), "File": outPath}))
	}
	return nil
}
