package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Lerfilm/opendrama-sub002/models"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// --- Segment Planning Structs and Logic ---

// SegmentBreakdown is the structured output for the first LLM call (segment descriptions)
type SegmentBreakdown struct {
	Segments []SegmentDescription `json:"segments" jsonschema_description:"A list of distinct visual segments that will make up the episode. Aim for 3-6 segments."`
}

// SegmentDescription represents a single segment's details
type SegmentDescription struct {
	Description string  `json:"description" jsonschema_description:"A detailed, visual description of the segment's action and setting, without camera details."`
	Duration    float64 `json:"duration" jsonschema_description:"The approximate duration of this segment in seconds (e.g., 8.5). Sum of durations should be around 45-90 seconds."`
}

// PromptGeneration is the structured output for the second LLM call (video prompt)
type PromptGeneration struct {
	Prompt string `json:"prompt" jsonschema_description:"The high-quality text-to-video generation prompt for this segment."`
}

// GenerateSchema is defined in processing/title.go and reused here
var segmentBreakdownSchema = GenerateSchema[SegmentBreakdown]()
var promptGenerationSchema = GenerateSchema[PromptGeneration]()

// SegmentPlan is one planned video segment, ready to become a pending
// generation job.
type SegmentPlan struct {
	Index       int
	Description string
	Prompt      string
	DurationSec float64
}

// GenerateSegmentPlans breaks an episode down into visual segments and
// then writes a high-quality generation prompt for each one.
func GenerateSegmentPlans(ctx context.Context, series models.Series, episodeTitle string) ([]SegmentPlan, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))

	// 1. Segment Breakdown (First LLM Call: Description & Duration)
	// ---------------------------------------------
	breakdownPrompt := fmt.Sprintf(`You are a visual storyteller planning one episode of a short-form vertical drama series titled "%s" (%s) with the synopsis "%s".
The episode's title is: "%s".
Based on the title, create a visual breakdown of 3 to 6 distinct segments.
For each segment, provide a detailed description of the setting and action, and an approximate duration in seconds.
The total duration of all segments should be between 45 and 90 seconds.`,
		series.Title, series.Genre, series.Synopsis, episodeTitle)

	breakdownResponse, err := getStructuredResponse[SegmentBreakdown](ctx, client, breakdownPrompt, segmentBreakdownSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to generate segment breakdown: %w", err)
	}

	if len(breakdownResponse.Segments) == 0 {
		return nil, fmt.Errorf("LLM returned no segments")
	}

	var plans []SegmentPlan

	// Consistent style and color grading across the whole series
	globalStylePrompt := fmt.Sprintf("A %s %s drama with consistent moody color grading, cinematic, 4k, hyperrealistic", series.Genre, series.Title)

	// 2. Prompt Generation for Each Segment (Second LLM Call: Detailed Prompt)
	// -------------------------------------------------------------
	for i, segDesc := range breakdownResponse.Segments {

		promptBase := fmt.Sprintf(`Generate a single, hyper-detailed, high-quality text-to-video prompt for a modern AI video model.
The video is part of a drama series titled "%s" with the overall theme/style: "%s".
The specific segment description is: "%s".
The generated prompt must maintain consistent styling and color grading with the overall theme.
The prompt must be a single, continuous text block and MUST include specific camera movements (e.g., Dolly Zoom, Tracking Shot, Wide Angle, Close-up, Pan-right, Tilt-down) and subject actions.
Do NOT use commas in the generated prompt, only spaces.`,
			series.Title, globalStylePrompt, segDesc.Description)

		promptResponse, err := getStructuredResponse[PromptGeneration](ctx, client, promptBase, promptGenerationSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to generate prompt for segment %d: %w", i+1, err)
		}

		plans = append(plans, SegmentPlan{
			Index:       i + 1,
			Description: segDesc.Description,
			Prompt:      promptResponse.Prompt,
			DurationSec: segDesc.Duration,
		})
	}

	return plans, nil
}

// getStructuredResponse is a helper function to call the OpenAI API with JSON schema enforcement
func getStructuredResponse[T any](ctx context.Context, client openai.Client, prompt string, schema interface{}) (*T, error) {
	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        "structured_response",
		Description: openai.String("Structured data response"),
		Schema:      schema,
		Strict:      openai.Bool(true),
	}

	chatCompletion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModelGPT4oMini,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
	})

	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(chatCompletion.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	rawResponse := chatCompletion.Choices[0].Message.Content

	var structuredResponse T
	if err := json.Unmarshal([]byte(rawResponse), &structuredResponse); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAI JSON response: %w\nRaw content: %s", err, rawResponse)
	}

	return &structuredResponse, nil
}
