package capability

import (
	"context"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/pakin-t/deskflow/agent/contract"
	searchx "github.com/pakin-t/deskflow/agent/search"
)

// NewProductHandler exposes semantic catalog search and product lookup.
func NewProductHandler(engine *searchx.Engine, products contractx.ProductStore) Handler {
	return Handler{
		Kind: KindProduct,
		Tools: []Tool{
			{
				Name: "product.search",
				Desc: "Search the product catalog by meaning, with optional price and category filters.",
				Params: map[string]*schema.ParameterInfo{
					"query":     {Type: schema.String, Desc: "Natural language product query", Required: true},
					"min_price": {Type: schema.Number, Desc: "Minimum price filter"},
					"max_price": {Type: schema.Number, Desc: "Maximum price filter"},
					"category":  {Type: schema.String, Desc: "Category filter"},
					"top_k":     {Type: schema.Integer, Desc: "Number of results to return"},
				},
				Idempotent: true,
				Invoke: func(ctx context.Context, args map[string]any) (any, error) {
					return engine.Search(ctx, stringArg(args, "query"), searchx.Filters{
						MinPrice: floatArg(args, "min_price"),
						MaxPrice: floatArg(args, "max_price"),
						Category: stringArg(args, "category"),
					}, intArg(args, "top_k"))
				},
			},
			{
				Name: "product.get",
				Desc: "Fetch one product by its id.",
				Params: map[string]*schema.ParameterInfo{
					"product_id": {Type: schema.String, Desc: "Product id", Required: true},
				},
				Idempotent: true,
				Invoke: func(ctx context.Context, args map[string]any) (any, error) {
					return products.GetProduct(ctx, stringArg(args, "product_id"))
				},
			},
		},
	}
}
