package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"renban/internal/camera"
	"renban/internal/config"
	"renban/internal/download"
	"renban/internal/logging"
	"renban/internal/sequence"
	"renban/internal/server"
	"renban/internal/session"
	"renban/internal/store"
)

// newCLIApp はすべてのコマンドを持つCLIアプリケーションを作成する
func newCLIApp(stdout io.Writer) *cli.App {
	app := &cli.App{
		Name:      "renban",
		Usage:     "連番付きで撮影画像を保存するカメラツール",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "renban.yaml", EnvVars: []string{"RENBAN_CONFIG"}, Usage: "設定ファイルのパス"},
			&cli.StringFlag{Name: "log-level", Usage: "ログレベル (debug / info / warn / error)"},
		},
		Commands: []*cli.Command{
			serveCmd(),
			captureCmd(),
			seqCmd(),
			itemCmd(),
			devicesCmd(),
		},
	}
	// テストでエラーを返せるよう既定の終了処理を無効化する
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// runtime はコマンド実行に必要な依存関係
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.SQLiteStore
	alloc     *sequence.Allocator
	sink      *download.DirSink
	discovery *camera.LinuxDiscovery
}

// openRuntime は設定を読み込み、ストアを開く
func openRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	logger, err := logging.New(c.App.ErrWriter, logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}

	db, err := store.OpenSQLite(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		store:     db,
		alloc:     sequence.NewAllocator(db, logger),
		sink:      download.NewDirSink(cfg.Download.Dir, logger),
		discovery: camera.NewLinuxDiscovery(),
	}, nil
}

func (r *runtime) Close() error {
	return r.store.Close()
}

// naming は設定ファイルの命名規則を返す
func (r *runtime) naming() sequence.NamingPolicy {
	return sequence.NamingPolicy{
		UseCustomPrefix: r.cfg.Naming.UseCustomPrefix,
		Prefix:          r.cfg.Naming.Prefix,
	}
}

// newController はV4L2デバイスを使うセッションを作成する
func (r *runtime) newController(ctx context.Context, front bool) (*session.Controller, error) {
	facing, err := camera.ParseFacingMode(r.cfg.Camera.Facing)
	if err != nil {
		return nil, err
	}
	if front {
		facing = camera.FacingFront
	}

	source := camera.NewV4L2Source(camera.V4L2Config{
		FrontDevice: r.cfg.Camera.FrontDevice,
		BackDevice:  r.cfg.Camera.BackDevice,
		FPS:         r.cfg.Camera.FPS,
	}, r.discovery, r.logger)

	return session.New(ctx, source, camera.NewJPEGEncoder(), r.alloc, r.store, r.sink, session.Options{
		Facing:          facing,
		PreferredWidth:  r.cfg.Camera.PreferredWidth,
		PreferredHeight: r.cfg.Camera.PreferredHeight,
		Quality:         r.cfg.Camera.JPEGQuality,
		Naming:          r.naming(),
		RequireItem:     r.cfg.Naming.RequireItem,
		AcquireTimeout:  r.cfg.Camera.AcquireTimeout,
		Logger:          r.logger,
	}), nil
}

// serveCmd はHTTPサーバーを起動するコマンド
func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "HTTPサーバーを起動する",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "サーバーのホスト"},
			&cli.IntFlag{Name: "port", Usage: "サーバーのポート"},
			&cli.BoolFlag{Name: "front", Usage: "前面カメラで開始する"},
		},
		Action: func(c *cli.Context) error {
			rt, err := openRuntime(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			// コマンドラインオプションで設定を上書き
			if host := c.String("host"); host != "" {
				rt.cfg.Server.Host = host
			}
			if port := c.Int("port"); port != 0 {
				rt.cfg.Server.Port = port
			}

			ctx := c.Context
			ctrl, err := rt.newController(ctx, c.Bool("front"))
			if err != nil {
				return err
			}
			defer ctrl.Close()

			// 起動時にカメラを取得する。失敗しても再試行APIで回復できる
			go func() {
				if err := ctrl.Start(ctx); err != nil {
					rt.logger.Warn("起動時のカメラ取得に失敗しました", "error", err)
				}
			}()

			srv := server.New(rt.cfg, ctrl, server.Options{
				Discovery: rt.discovery,
				SaveDir:   rt.sink.Dir(),
				Logger:    rt.logger,
			})
			return srv.Start(ctx)
		},
	}
}

// captureOutput は撮影コマンドの出力
type captureOutput struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	Sequence     int    `json:"sequence"`
	Path         string `json:"path"`
	NextFilename string `json:"next_filename,omitempty"`
}

// captureCmd は1枚撮影するコマンド
func captureCmd() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "1枚撮影して保存する",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "item", Aliases: []string{"i"}, Usage: "アイテム番号 (指定時は現在のアイテムを置き換える)"},
			&cli.BoolFlag{Name: "front", Usage: "前面カメラを使う"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "カメラの代わりに画像ファイルを使う"},
			&cli.DurationFlag{Name: "wait", Value: 5 * time.Second, Usage: "最初のフレームを待つ時間"},
		},
		Action: func(c *cli.Context) error {
			rt, err := openRuntime(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := c.Context
			ctrl, err := rt.newController(ctx, c.Bool("front"))
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if c.IsSet("item") {
				if err := ctrl.SetItem(ctx, c.String("item")); err != nil {
					return err
				}
			}

			var art *session.Artifact
			if path := c.String("file"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("画像ファイルの読み込みに失敗: %w", err)
				}
				art, err = ctrl.CaptureFromFile(ctx, data)
				if err != nil {
					return err
				}
			} else {
				if err := ctrl.Start(ctx); err != nil {
					return err
				}
				art, err = captureWhenReady(ctx, ctrl, c.Duration("wait"))
				if err != nil {
					return err
				}
			}

			return outputJSON(c.App.Writer, captureOutput{
				ID:           art.ID,
				Filename:     art.Filename,
				Sequence:     art.Sequence,
				Path:         filepath.Join(rt.sink.Dir(), art.Filename),
				NextFilename: ctrl.NextFilename(),
			})
		},
	}
}

// captureWhenReady は最初のフレームが届くまで待ってから撮影する
func captureWhenReady(ctx context.Context, ctrl *session.Controller, wait time.Duration) (*session.Artifact, error) {
	deadline := time.Now().Add(wait)
	for {
		art, err := ctrl.Capture(ctx)
		if !errors.Is(err, camera.ErrNoFrame) || time.Now().After(deadline) {
			return art, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// sequenceOutput は連番コマンドの出力
type sequenceOutput struct {
	Namespace    string `json:"namespace"`
	NextSequence int    `json:"next_sequence"`
	NextFilename string `json:"next_filename"`
}

// seqCmd は連番を確認・編集するコマンド
func seqCmd() *cli.Command {
	itemFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "item", Aliases: []string{"i"}, Usage: "アイテム番号 (省略時は全体の連番)"}
	}

	return &cli.Command{
		Name:  "seq",
		Usage: "次の連番を確認・編集する",
		Subcommands: []*cli.Command{
			{
				Name:  "peek",
				Usage: "次の連番を表示する",
				Flags: []cli.Flag{itemFlag()},
				Action: func(c *cli.Context) error {
					return withSequence(c, func(*runtime, string) error { return nil })
				},
			},
			{
				Name:      "set",
				Usage:     "次の連番を設定する",
				ArgsUsage: "<next>",
				Flags:     []cli.Flag{itemFlag()},
				Action: func(c *cli.Context) error {
					n, err := sequence.ParseOverride(c.Args().First())
					if err != nil {
						return err
					}
					return withSequence(c, func(rt *runtime, ns string) error {
						return rt.alloc.SetOverride(c.Context, ns, n)
					})
				},
			},
			{
				Name:  "reset",
				Usage: "次の連番を1に戻す",
				Flags: []cli.Flag{itemFlag()},
				Action: func(c *cli.Context) error {
					return withSequence(c, func(rt *runtime, ns string) error {
						return rt.alloc.Reset(c.Context, ns)
					})
				},
			},
		},
	}
}

// withSequence は連番を操作してから次の連番を出力する
func withSequence(c *cli.Context, fn func(rt *runtime, namespace string) error) error {
	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	ns, err := sequence.NormalizeItem(c.String("item"))
	if err != nil {
		return err
	}
	if err := fn(rt, ns); err != nil {
		return err
	}

	next := rt.alloc.PeekNext(c.Context, ns)
	return outputJSON(c.App.Writer, sequenceOutput{
		Namespace:    ns,
		NextSequence: next,
		NextFilename: sequence.GenerateFilename(ns, rt.naming(), next),
	})
}

// itemCmd は現在のアイテム番号を扱うコマンド
func itemCmd() *cli.Command {
	return &cli.Command{
		Name:  "item",
		Usage: "現在のアイテム番号を確認・設定する",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "現在のアイテム番号を表示する",
				Action: func(c *cli.Context) error {
					return withController(c, func(*session.Controller) error { return nil })
				},
			},
			{
				Name:      "set",
				Usage:     "アイテム番号を設定する (空文字列で解除)",
				ArgsUsage: "<item>",
				Action: func(c *cli.Context) error {
					return withController(c, func(ctrl *session.Controller) error {
						return ctrl.SetItem(c.Context, c.Args().First())
					})
				},
			},
		},
	}
}

// itemOutput はアイテムコマンドの出力
type itemOutput struct {
	Item         string `json:"item"`
	NextSequence int    `json:"next_sequence"`
	NextFilename string `json:"next_filename"`
}

func withController(c *cli.Context, fn func(ctrl *session.Controller) error) error {
	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctrl, err := rt.newController(c.Context, false)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := fn(ctrl); err != nil {
		return err
	}

	s := ctrl.State()
	return outputJSON(c.App.Writer, itemOutput{
		Item:         s.Item,
		NextSequence: s.NextSequence,
		NextFilename: s.NextFilename,
	})
}

// devicesCmd はカメラデバイスを一覧表示するコマンド
func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "利用可能なカメラデバイスを表示する",
		Action: func(c *cli.Context) error {
			d := camera.NewLinuxDiscovery()
			devices, err := d.ScanDevices(c.Context)
			if err != nil {
				return err
			}

			infos := make([]camera.DeviceInfo, 0, len(devices))
			for _, dev := range devices {
				info, err := d.GetDeviceInfo(c.Context, dev)
				if err != nil {
					continue
				}
				infos = append(infos, *info)
			}
			return outputJSON(c.App.Writer, infos)
		},
	}
}

// outputJSON は整形したJSONを出力する
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
