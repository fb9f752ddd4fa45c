// Package policy lets operators override the classifier's category with a
// Rego policy in package "memory".
package policy

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/interfaces"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

const query = "data.memory"

// regoPrintHook forwards Rego print() statements to the context logger
type regoPrintHook struct {
	ctx context.Context
}

func (h *regoPrintHook) Print(pctx print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Engine evaluates the category policy
type Engine struct {
	prepared *rego.PreparedEvalQuery
}

var _ interfaces.CategoryPolicy = (*Engine)(nil)

// New loads Rego files from policyDir, or the embedded default policy when
// policyDir is empty
func New(ctx context.Context, policyDir string) (*Engine, error) {
	modules, err := loadModules(policyDir)
	if err != nil {
		return nil, err
	}

	prepared, err := prepareQuery(ctx, modules, query)
	if err != nil {
		return nil, err
	}

	return &Engine{prepared: prepared}, nil
}

// Input is the document passed to the policy as input
type Input struct {
	Transcription string          `json:"transcription"`
	Category      string          `json:"category"`
	Extraction    ExtractionInput `json:"extraction"`
}

type ExtractionInput struct {
	Event            string   `json:"event"`
	ReminderDatetime string   `json:"reminder_datetime"`
	Location         []string `json:"location"`
	IsReminder       bool     `json:"is_reminder"`
	IsQuestion       bool     `json:"is_question"`
	Tags             []string `json:"tags"`
}

// Resolve returns the category decided by the policy. The classifier's
// category is kept when the policy has no opinion or names an unknown
// category.
func (e *Engine) Resolve(ctx context.Context, transcription string, category model.Category, ext *model.Extraction) (model.Category, error) {
	if ext == nil {
		ext = &model.Extraction{}
	}

	input := Input{
		Transcription: transcription,
		Category:      string(category),
		Extraction: ExtractionInput{
			Event:            ext.Event,
			ReminderDatetime: ext.ReminderDatetime,
			Location:         nonNil(ext.Location),
			IsReminder:       ext.IsReminder,
			IsQuestion:       ext.IsQuestion,
			Tags:             nonNil(ext.Tags),
		},
	}

	rs, err := e.prepared.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&regoPrintHook{ctx: ctx}))
	if err != nil {
		return category, goerr.Wrap(err, "failed to evaluate category policy")
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return category, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return category, goerr.New("invalid policy result", goerr.V("value", rs[0].Expressions[0].Value))
	}

	override, ok := data["category"].(string)
	if !ok || override == "" {
		return category, nil
	}

	for _, c := range model.Categories {
		if string(c) == override {
			if c != category {
				logging.From(ctx).Debug("category overridden by policy", "from", category, "to", c)
			}
			return c, nil
		}
	}

	logging.From(ctx).Warn("policy returned unknown category", "category", override)
	return category, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
