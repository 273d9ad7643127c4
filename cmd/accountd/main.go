// accountd serves the account directory over http.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"kyri56xcaesar/accountd/internal/api"
	"kyri56xcaesar/accountd/internal/homedir"
	"kyri56xcaesar/accountd/internal/logger"
	ut "kyri56xcaesar/accountd/internal/utils"
	"kyri56xcaesar/accountd/pkg/accountdir"
)

var confPath = flag.String("config", "configs/accountd.conf", "path of the env style configuration file")

func main() {
	flag.Parse()
	if err := run(*confPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := ut.LoadConfig(path)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.API_LOGS_PATH, cfg.API_LOGS_SPLIT, cfg.API_LOGS_VERBOSE)
	if err != nil {
		return err
	}
	defer log.Close()
	log.Printf("\n%s", cfg.ToString())

	dir, err := accountdir.New(cfg.DirectoryConfig())
	if err != nil {
		return fmt.Errorf("invalid directory configuration: %w", err)
	}
	if err := dir.EnsureLayout(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RECONCILE_ON_START {
		if err := reconcile(ctx, dir, cfg.RECONCILE_REPAIR, log); err != nil {
			return err
		}
	}

	var homes *homedir.Provisioner
	if cfg.HOME_PROVISION {
		homes = homedir.New(cfg.DEFAULT_HOME_BASE, cfg.HOME_SKEL_DIR, cfg.HOME_DRY_RUN, log)
	}

	srv, err := api.NewService(&cfg, dir, homes, log)
	if err != nil {
		return err
	}
	return srv.ServeHTTP(ctx)
}

// reconcile checks the four stores once before serving.
func reconcile(ctx context.Context, dir *accountdir.Directory, repair bool, log *logger.MultiLogger) error {
	rep, err := dir.Reconcile(ctx, repair)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	if rep.Clean() {
		log.Infof("account files are consistent")
		return nil
	}
	for _, issue := range rep.Issues {
		if issue.Repaired {
			log.Infof("reconcile: %s", issue)
		} else {
			log.Warnf("reconcile: %s", issue)
		}
	}
	log.Warnf("reconcile: %d issues found, %d need an operator", len(rep.Issues), len(rep.Outstanding()))
	return nil
}
