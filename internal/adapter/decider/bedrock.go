//go:build bedrock

package decider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
	"opsbridge/internal/infra/tracer"
)

// bedrockConverseAPI abstracts the Bedrock runtime for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockDecider drives decisions through the AWS Bedrock Converse API.
type BedrockDecider struct {
	model  string
	client bedrockConverseAPI
	logger *slog.Logger
}

// NewBedrockDecider creates a decider using the default AWS credential chain.
func NewBedrockDecider(cfg config.DeciderConfig, logger *slog.Logger) (*BedrockDecider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockDecider{
		model:  cfg.Model,
		client: bedrockruntime.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// newBedrockDeciderWithClient injects a client (for testing).
func newBedrockDeciderWithClient(model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockDecider {
	return &BedrockDecider{model: model, client: client, logger: logger}
}

func (d *BedrockDecider) Name() string { return "bedrock:" + d.model }

func (d *BedrockDecider) Decide(ctx context.Context, history []domain.Turn, capabilities []domain.CapabilityDescriptor) (domain.Decision, error) {
	ctx, span := tracer.StartSpan(ctx, "decider.decide",
		trace.WithAttributes(
			tracer.StringAttr("decider.model", d.model),
			tracer.IntAttr("decider.capabilities", len(capabilities)),
		),
	)
	defer span.End()

	input := d.toConverseInput(history, capabilities)

	output, err := d.client.Converse(ctx, input)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Decision{}, mapBedrockError(err)
	}

	decision, err := fromConverseOutput(output)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Decision{}, err
	}
	tracer.SetOK(span)
	d.logger.Debug("decision received", "model", d.model, "invocations", len(decision.Invocations))
	return decision, nil
}

func (d *BedrockDecider) toConverseInput(history []domain.Turn, capabilities []domain.CapabilityDescriptor) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(d.model),
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: systemPrompt},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(4096),
		},
	}

	for i, turn := range history {
		switch turn.Kind {
		case domain.TurnUser:
			input.Messages = append(input.Messages, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: turn.Content},
				},
			})

		case domain.TurnDecision:
			msg := types.Message{Role: types.ConversationRoleAssistant}
			if turn.Content != "" {
				msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: turn.Content})
			}
			for j, inv := range turn.Invocations {
				var inputDoc map[string]interface{}
				if len(inv.Arguments) > 0 {
					json.Unmarshal(inv.Arguments, &inputDoc)
				}
				if inputDoc == nil {
					inputDoc = map[string]interface{}{}
				}
				msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(callID(i, j)),
						Name:      aws.String(domain.QualifyCapability(inv.ProviderKey, inv.Capability)),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			}
			input.Messages = append(input.Messages, msg)

		case domain.TurnResult:
			msg := types.Message{Role: types.ConversationRoleUser}
			for j, res := range turn.Results {
				content := res.Content
				if res.Failed() {
					content = fmt.Sprintf("error (%s): %s", res.Failure.Kind, res.Failure.Message)
				}
				msg.Content = append(msg.Content, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(callID(i-1, j)),
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberText{Value: content},
						},
					},
				})
			}
			input.Messages = append(input.Messages, msg)
		}
	}

	if len(capabilities) > 0 {
		var tools []types.Tool
		for _, c := range capabilities {
			var schema map[string]interface{}
			if len(c.Parameters) > 0 {
				json.Unmarshal(c.Parameters, &schema)
			}
			if schema == nil {
				schema = map[string]interface{}{"type": "object"}
			}
			tools = append(tools, &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(c.Name),
					Description: aws.String(c.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{
						Value: document.NewLazyDocument(schema),
					},
				},
			})
		}
		input.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}

	return input
}

func fromConverseOutput(output *bedrockruntime.ConverseOutput) (domain.Decision, error) {
	outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return domain.Decision{}, fmt.Errorf("unexpected converse output type %T", output.Output)
	}

	var d domain.Decision
	for _, block := range outMsg.Value.Content {
		switch v := block.(type) {
		case *types.ContentBlockMemberText:
			if d.Narrative != "" {
				d.Narrative += "\n"
			}
			d.Narrative += v.Value

		case *types.ContentBlockMemberToolUse:
			name := aws.ToString(v.Value.Name)
			key, capability, ok := domain.SplitCapability(name)
			if !ok {
				return domain.Decision{}, fmt.Errorf("malformed capability name %q", name)
			}
			args := json.RawMessage(`{}`)
			if v.Value.Input != nil {
				if data, err := v.Value.Input.MarshalSmithyDocument(); err == nil && len(data) > 0 {
					args = data
				}
			}
			d.Invocations = append(d.Invocations, domain.Invocation{
				ProviderKey: key,
				Capability:  capability,
				Arguments:   args,
			})
		}
	}
	return d, nil
}

// mapBedrockError converts AWS API errors to domain errors.
func mapBedrockError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, apiErr.ErrorMessage())
		case "AccessDeniedException", "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, apiErr.ErrorMessage())
		}
	}
	return err
}

var _ domain.Decider = (*BedrockDecider)(nil)
