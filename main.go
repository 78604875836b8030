package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/trainz-dl/trainz-dl/internal/cache"
	"github.com/trainz-dl/trainz-dl/internal/config"
	"github.com/trainz-dl/trainz-dl/internal/fetch"
	"github.com/trainz-dl/trainz-dl/internal/gateway"
	"github.com/trainz-dl/trainz-dl/internal/index"
	"github.com/trainz-dl/trainz-dl/internal/locator"
	"github.com/trainz-dl/trainz-dl/internal/logging"
	"github.com/trainz-dl/trainz-dl/internal/server"
	"github.com/trainz-dl/trainz-dl/internal/server/routes"
	"github.com/trainz-dl/trainz-dl/internal/source"
	"github.com/trainz-dl/trainz-dl/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	importPath  string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sources"] = len(cfg.Sources)
		fields["credentials"] = config.CredentialModes(cfg.Sources)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	idx, err := index.Load(cfg.Global.IndexPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载资产目录失败: %v\n", err)
		return 1
	}

	if opts.importPath != "" {
		count, err := idx.ImportFile(opts.importPath)
		if err != nil {
			fmt.Fprintf(stdErr, "导入资产目录失败: %v\n", err)
			return 1
		}
		fields := logging.BaseFields("import_assets", opts.configPath)
		fields["file"] = opts.importPath
		fields["imported"] = count
		fields["assets"] = idx.Len()
		logger.WithFields(fields).Info("资产目录导入完成")
		return 0
	}

	registry, err := source.NewRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建上游注册表失败: %v\n", err)
		return 1
	}

	// 启动遵循“配置 → 目录 → 磁盘缓存 → 抓取管线 → Fiber server”顺序，
	// 所有请求共享同一份缓存与抓取实例。
	store, err := cache.NewStore(cfg.Global.StoragePath, cfg.Global.CapacityBytes)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	defer store.Close()

	httpClient := source.NewUpstreamClient(cfg)
	manager := fetch.NewManager(source.NewHTTPSource(httpClient), store, logger, fetch.Options{
		MaxConcurrent: cfg.Global.MaxConcurrentFetches,
		QueueWait:     cfg.Global.FetchQueueWait.DurationValue(),
		MaxRetries:    cfg.Global.MaxRetries,
		BackoffBase:   cfg.Global.InitialBackoff.DurationValue(),
	})
	download := gateway.NewHandler(
		locator.New(idx, registry),
		store,
		manager,
		logger,
		cfg.Global.CacheTTL.DurationValue(),
	)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sources"] = len(cfg.Sources)
	fields["assets"] = idx.Len()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["capacity_bytes"] = cfg.Global.CapacityBytes
	fields["credentials"] = config.CredentialModes(cfg.Sources)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, download, store, registry, idx, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("trainz-dl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		importPath string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TRAINZ_DL_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&importPath, "import-assets", "", "合并一份资产目录导出文件后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("TRAINZ_DL_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		importPath:  importPath,
	}, nil
}

func startHTTPServer(
	cfg *config.Config,
	download server.DownloadHandler,
	store cache.Store,
	registry *source.Registry,
	idx *index.Index,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Download:   download,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterAssetRoutes(app, idx)
	routes.RegisterStatusRoutes(app, store, registry, idx)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
