package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	capabilityx "github.com/pakin-t/deskflow/agent/capability"
	datastorex "github.com/pakin-t/deskflow/agent/datastore"
	dispatchx "github.com/pakin-t/deskflow/agent/dispatch"
	llmx "github.com/pakin-t/deskflow/agent/llm"
	memoryx "github.com/pakin-t/deskflow/agent/memory"
	promptx "github.com/pakin-t/deskflow/agent/prompt"
	searchx "github.com/pakin-t/deskflow/agent/search"
	statex "github.com/pakin-t/deskflow/agent/state"
	workflowx "github.com/pakin-t/deskflow/agent/workflow"
	billingx "github.com/pakin-t/deskflow/pkg/billing"
	configx "github.com/pakin-t/deskflow/pkg/config"
	_ "github.com/pakin-t/deskflow/pkg/logger/autoload"
)

type AppConfig struct {
	UserID      string `envconfig:"USER_ID" split_words:"true" default:"default-customer"`
	ChannelType string `envconfig:"CHANNEL_TYPE" split_words:"true" default:"chat"`
}

func main() {
	ctx := context.Background()

	appCfg := configx.MustNew[AppConfig]("APP")
	llmCfg := configx.MustNew[llmx.Config]("LLM")
	if err := llmCfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid llm config")
	}
	redisCfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH_REDIS")
	dbCfg := configx.MustNew[datastorex.Config]("POSTGRES")

	db, err := datastorex.Connect(ctx, *dbCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect datastore")
	}
	defer db.Close()

	orders := datastorex.NewOrderStore(db)
	products := datastorex.NewProductStore(db)
	refunds := datastorex.NewRefundStore(db)

	convStore, err := statex.NewUpstashRedisStore(*redisCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create conversation store")
	}

	embedder, err := llmx.NewEmbeddingClient(llmCfg.Embedding())
	if err != nil {
		log.Fatal().Err(err).Msg("create embedding client")
	}
	catalog, err := products.ListProducts(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load product catalog")
	}
	searchEngine, err := searchx.NewEngine(embedder, catalog)
	if err != nil {
		log.Fatal().Err(err).Msg("create search engine")
	}

	registry, err := capabilityx.NewRegistry(
		capabilityx.NewProductHandler(searchEngine, products),
		capabilityx.NewOrderHandler(orders),
		capabilityx.NewBillingHandler(orders, refunds),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("build capability registry")
	}

	billingCfg := configx.MustNew[billingx.Config]("BILLING")
	billingClient := billingx.MustNew(*billingCfg)

	refundEngine, err := workflowx.NewEngine(orders, refunds, billingClient)
	if err != nil {
		log.Fatal().Err(err).Msg("build refund workflow engine")
	}

	prompts := promptx.LoadPromptSet()

	responderCfg := llmCfg.OpenRouterFor(llmx.RoleResponder)
	responderModel, err := responderCfg.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("create responder model")
	}
	extractorCfg := llmCfg.OpenRouterFor(llmx.RoleExtractor)
	extractorModel, err := extractorCfg.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("create extractor model")
	}

	memStore, err := memoryx.NewStore(datastorex.NewMemoryBackend(db))
	if err != nil {
		log.Fatal().Err(err).Msg("create memory store")
	}
	extractor, err := memoryx.NewExtractor(ctx, extractorModel, prompts.Extractor)
	if err != nil {
		log.Fatal().Err(err).Msg("create memory extractor")
	}

	dispatcher, err := dispatchx.New(
		convStore,
		registry,
		refundEngine,
		responderModel,
		memStore,
		extractor,
		prompts.Responder,
		dispatchx.Config{
			UserID:      appCfg.UserID,
			ChannelType: appCfg.ChannelType,
		},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("build dispatcher")
	}
	defer dispatcher.Close()

	runREPL(ctx, dispatcher)
}

func runREPL(ctx context.Context, dispatcher *dispatchx.Dispatcher) {
	conversationID := uuid.NewString()
	fmt.Printf("deskflow agent ready (conversation %s), ctrl-d to exit\n", conversationID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		resp, err := dispatcher.HandleTurn(ctx, conversationID, text)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(resp.Reply)
		if resp.Trace.Cause != "" {
			log.Warn().Str("cause", resp.Trace.Cause).Msg("turn degraded")
		}
	}
}
