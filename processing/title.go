package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/Lerfilm/opendrama-sub002/models"
	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// TitleResponse represents the JSON response from OpenAI
type TitleResponse struct {
	Title string `json:"title" jsonschema_description:"A unique, dramatic title for the episode"`
}

// GenerateSchema generates a JSON schema for structured outputs
func GenerateSchema[T any]() interface{} {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)
	return schema
}

// titleResponseSchema is the cached schema
var titleResponseSchema = GenerateSchema[TitleResponse]()

// GenerateEpisodeTitle calls OpenAI to generate a unique title for the
// next episode of a drama series.
func GenerateEpisodeTitle(ctx context.Context, series models.Series, existingTitles []string) (string, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return "", fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
	)

	// Build the prompt
	prompt := fmt.Sprintf(`You are writing episode titles for a short-form vertical drama series.

Series Title: %s
Genre: %s
Synopsis: %s

The following episode titles have already been used:
%s

Generate a unique, dramatic title for the next episode. The title should:
- Continue the series' narrative arc
- Be different from all existing titles
- Create tension or a cliffhanger feel
- Be under 100 characters

Respond in JSON format with this structure:
{
  "title": "your generated title here"
}`, series.Title, series.Genre, series.Synopsis, formatExistingTitles(existingTitles))

	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        "episode_title",
		Description: openai.String("A unique title for an episode in a drama series"),
		Schema:      titleResponseSchema,
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
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(chatCompletion.Choices) == 0 {
		return "", fmt.Errorf("no response from OpenAI")
	}

	rawResponse := chatCompletion.Choices[0].Message.Content
	log.Printf("OpenAI Response: %s", rawResponse)

	if rawResponse == "" {
		return "", fmt.Errorf("OpenAI returned empty response. Finish reason: %s", chatCompletion.Choices[0].FinishReason)
	}

	// Parse the JSON response
	var titleResp TitleResponse
	if err := json.Unmarshal([]byte(rawResponse), &titleResp); err != nil {
		return "", fmt.Errorf("failed to parse OpenAI JSON response: %w", err)
	}

	title := strings.TrimSpace(titleResp.Title)
	if title == "" {
		return "", fmt.Errorf("OpenAI returned empty title")
	}

	return title, nil
}

// formatExistingTitles formats the list of existing titles for the prompt
func formatExistingTitles(titles []string) string {
	if len(titles) == 0 {
		return "- None (this is the first episode)"
	}
	var formatted []string
	for _, title := range titles {
		if title != "" {
			formatted = append(formatted, fmt.Sprintf("- %s", title))
		}
	}
	if len(formatted) == 0 {
		return "- None (this is the first episode)"
	}
	return strings.Join(formatted, "\n")
}
