package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// stageOneInstructions is the fixed instruction block appended to the
// user history before the individual-response round.
const stageOneInstructions = `You are one member of a council of AI models answering a single query.

Rules:
- Solve only the stated problem.
- Match any specified function signature exactly.
- Handle every stated edge case.
- Prefer standard-library solutions over external dependencies.
- Never ask clarifying questions.
- Return the answer content only, with no preamble or process narration.`

// stageTwoRubric is the fixed weighted rubric each reviewer applies to
// the anonymized responses.
const stageTwoRubric = `Evaluate each response against this weighted rubric:
- Correctness: 40%
- Security: 20%
- Code quality: 15%
- Performance: 10%
- Maintainability: 10%
- Standard practices: 5%

Red flags (call these out explicitly wherever they appear):
- Wrong function signature
- Missing required functionality
- Extraneous code beyond what was asked
- Logic errors
- Evident misunderstanding of the problem
- Missing edge cases
- Security defects

Refer to responses ONLY by their labels (e.g. "Response A"). Critique each
response individually, then finish with a ranking from best to worst.`

// stageThreeRules is the fixed instruction block for chairman synthesis.
const stageThreeRules = `Your task as Chairman is to synthesize one final answer. Rules:
- Reject any response that violates the stated function signature or solves the wrong problem.
- Prioritize correctness and security over style. This is mandatory.
- Favor responses that multiple peer reviews ranked highly.
- Synthesize complementary strengths from several responses when useful.
- Return the answer content directly, with no process narration.
- End your reply with a final line of exactly: CONFIDENCE: <number>%`

const defaultSelfConfidence = 70

// Engine runs the three-stage council pipeline. It is stateless across
// calls: conversation continuity comes from the caller-supplied history
// plus the stored turn history.
type Engine struct {
	local  ModelAdapter
	remote ModelAdapter
	store  ConversationStore
}

// NewEngine creates a council engine over the two backend adapters and
// the conversation store.
func NewEngine(local, remote ModelAdapter, store ConversationStore) *Engine {
	return &Engine{local: local, remote: remote, store: store}
}

func (e *Engine) adapterFor(roster Roster) ModelAdapter {
	if roster.BackendMode == BackendRemote {
		return e.remote
	}
	return e.local
}

// anonymizedResponse pairs one Stage 1 survivor with its per-request
// label. The label-to-model bijection is regenerated for every request
// so a model can never recognize its own earlier answer.
type anonymizedResponse struct {
	Label string
	Model string
	Text  string
}

type callOutcome struct {
	text    string
	elapsed time.Duration
	err     error
}

// Run executes Stage1Fanout -> Stage2Review -> Stage3Synthesis and hands
// the completed turn to the conversation store. history is the full
// caller-supplied message list; source tags the conversation origin.
func (e *Engine) Run(ctx context.Context, roster Roster, history []ChatMessage, source string) (*CouncilResult, error) {
	userQuery := lastUserContent(history)
	if userQuery == "" {
		return nil, fmt.Errorf("no user message in history")
	}

	adapter := e.adapterFor(roster)

	stage1 := e.stageOne(ctx, adapter, roster, history)
	survivors := surviving(stage1)
	if len(survivors) == 0 {
		return nil, fmt.Errorf("stage 1: %w", ErrAllModelsUnavailable)
	}

	labeled := anonymizeSurvivors(survivors)
	stage2 := e.stageTwo(ctx, adapter, roster, userQuery, labeled, survivors)

	synthesis, err := e.stageThree(ctx, adapter, roster, userQuery, labeled, stage2)
	if err != nil {
		return nil, fmt.Errorf("stage 3: chairman %s: %w", roster.Chairman, err)
	}

	selfConfidence := parseSelfConfidence(synthesis)
	answerText := stripConfidenceLine(synthesis)

	final := FinalAnswer{
		Text:          answerText,
		PrimarySource: attributePrimarySource(answerText, labeled),
		Confidence:    computeConfidence(selfConfidence, userQuery, answerText),
	}
	result := &CouncilResult{Stage1: stage1, Stage2: stage2, Final: final}

	e.persistTurn(ctx, roster, adapter, history, source, result)
	return result, nil
}

// stageOne issues one concurrent completion per roster participant,
// chairman included. Failed participants are recorded, not fatal.
func (e *Engine) stageOne(ctx context.Context, adapter ModelAdapter, roster Roster, history []ChatMessage) []StageOneResult {
	prompt := make([]ChatMessage, 0, len(history)+1)
	prompt = append(prompt, ChatMessage{Role: "system", Content: stageOneInstructions})
	prompt = append(prompt, history...)

	participants := roster.Participants()
	outcomes := fanOut(ctx, adapter, participants, roster.Timeout(), func(string) []ChatMessage {
		return prompt
	})

	results := make([]StageOneResult, 0, len(participants))
	for _, model := range participants {
		outcome := outcomes[model]
		result := StageOneResult{
			Model:     model,
			ElapsedMS: outcome.elapsed.Milliseconds(),
		}
		if outcome.err != nil {
			result.Err = outcome.err.Error()
		} else {
			result.Response = outcome.text
		}
		results = append(results, result)
	}
	return results
}

// stageTwo has each surviving model review the full anonymized Stage 1
// set under the fixed rubric. Same partial-failure policy as Stage 1.
func (e *Engine) stageTwo(ctx context.Context, adapter ModelAdapter, roster Roster, userQuery string, labeled []anonymizedResponse, survivors []StageOneResult) []StageTwoResult {
	prompt := []ChatMessage{{Role: "user", Content: buildReviewPrompt(userQuery, labeled)}}

	reviewers := make([]string, 0, len(survivors))
	for _, s := range survivors {
		reviewers = append(reviewers, s.Model)
	}

	outcomes := fanOut(ctx, adapter, reviewers, roster.Timeout(), func(string) []ChatMessage {
		return prompt
	})

	results := make([]StageTwoResult, 0, len(reviewers))
	for _, model := range reviewers {
		outcome := outcomes[model]
		if outcome.err != nil {
			continue
		}
		results = append(results, StageTwoResult{Model: model, Critique: outcome.text})
	}
	return results
}

// stageThree always invokes the chairman, even if it failed in Stage 1.
func (e *Engine) stageThree(ctx context.Context, adapter ModelAdapter, roster Roster, userQuery string, labeled []anonymizedResponse, stage2 []StageTwoResult) (string, error) {
	prompt := []ChatMessage{{Role: "user", Content: buildSynthesisPrompt(userQuery, labeled, stage2)}}
	return adapter.Complete(ctx, roster.Chairman, prompt, roster.Timeout())
}

// fanOut queries models in parallel with graceful degradation: each call
// is bounded by timeout, so the stage barrier never waits past the
// timeout for any individual participant.
func fanOut(ctx context.Context, adapter ModelAdapter, models []string, timeout time.Duration, prompt func(model string) []ChatMessage) map[string]callOutcome {
	g, ctx := errgroup.WithContext(ctx)

	results := make(map[string]callOutcome, len(models))
	var mu sync.Mutex

	for _, model := range models {
		model := model
		g.Go(func() error {
			start := time.Now()
			text, err := adapter.Complete(ctx, model, prompt(model), timeout)
			if err != nil {
				log.Printf("council: model %s failed: %v", model, err)
			}
			mu.Lock()
			results[model] = callOutcome{text: text, elapsed: time.Since(start), err: err}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

func surviving(stage1 []StageOneResult) []StageOneResult {
	var out []StageOneResult
	for _, r := range stage1 {
		if r.Err == "" && strings.TrimSpace(r.Response) != "" {
			out = append(out, r)
		}
	}
	return out
}

// anonymizeSurvivors builds a fresh random bijection from survivors to
// labels "Response A".."Response E".
func anonymizeSurvivors(survivors []StageOneResult) []anonymizedResponse {
	shuffled := make([]StageOneResult, len(survivors))
	copy(shuffled, survivors)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	out := make([]anonymizedResponse, 0, len(shuffled))
	for i, s := range shuffled {
		out = append(out, anonymizedResponse{
			Label: fmt.Sprintf("Response %c", 'A'+i),
			Model: s.Model,
			Text:  s.Response,
		})
	}
	return out
}

func buildReviewPrompt(userQuery string, labeled []anonymizedResponse) string {
	var responsesText strings.Builder
	for _, r := range labeled {
		responsesText.WriteString(fmt.Sprintf("%s:\n%s\n\n", r.Label, r.Text))
	}

	return fmt.Sprintf(`You are reviewing anonymized responses to the following question:

Question: %s

Here are the responses:

%s%s`, userQuery, responsesText.String(), stageTwoRubric)
}

func buildSynthesisPrompt(userQuery string, labeled []anonymizedResponse, stage2 []StageTwoResult) string {
	var responsesText strings.Builder
	for _, r := range labeled {
		responsesText.WriteString(fmt.Sprintf("%s:\n%s\n\n", r.Label, r.Text))
	}

	var critiquesText strings.Builder
	if len(stage2) == 0 {
		critiquesText.WriteString("(no peer reviews were produced)\n")
	}
	for i, critique := range stage2 {
		critiquesText.WriteString(fmt.Sprintf("Reviewer %d:\n%s\n\n", i+1, critique.Critique))
	}

	return fmt.Sprintf(`You are the Chairman of a council of AI models. The council produced anonymized responses to a question, then peer-reviewed them.

Original Question: %s

STAGE 1 - Anonymized Responses:
%s
STAGE 2 - Peer Reviews:
%s
%s`, userQuery, responsesText.String(), critiquesText.String(), stageThreeRules)
}

var selfConfidenceRe = regexp.MustCompile(`(?i)confidence[^0-9%]{0,10}([0-9]{1,3})\s*%?`)

// parseSelfConfidence extracts the chairman's self-reported confidence.
// The last match wins; unparseable output defaults to 70. Model output
// is unstructured text and is parsed defensively.
func parseSelfConfidence(text string) int {
	matches := selfConfidenceRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return defaultSelfConfidence
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil || n < 0 || n > 100 {
		return defaultSelfConfidence
	}
	return n
}

var confidenceLineRe = regexp.MustCompile(`(?i)^\s*confidence:?\s*[0-9]{1,3}\s*%?\s*$`)

// stripConfidenceLine removes the trailing self-report line from the
// synthesized answer. Only the final line is touched; a confidence
// mention inside the answer body is content and survives.
func stripConfidenceLine(text string) string {
	trimmed := strings.TrimRight(text, " \t\r\n")
	idx := strings.LastIndex(trimmed, "\n")
	if confidenceLineRe.MatchString(trimmed[idx+1:]) {
		if idx < 0 {
			return ""
		}
		return strings.TrimSpace(trimmed[:idx])
	}
	return strings.TrimSpace(text)
}

var signatureRe = regexp.MustCompile("`([A-Za-z_][A-Za-z0-9_]*)\\(([^`]*?)\\)(?:\\s*->\\s*([^`]+))?`")

// signatureViolated reports whether the answer's apparent signature or
// return type contradicts one the user stated explicitly in backticks.
func signatureViolated(userQuery, answer string) bool {
	m := signatureRe.FindStringSubmatch(userQuery)
	if m == nil {
		return false
	}
	name, returnType := m[1], strings.TrimSpace(m[3])

	if !strings.Contains(answer, name+"(") {
		return true
	}
	if returnType != "" {
		compactAnswer := strings.ReplaceAll(answer, " ", "")
		if !strings.Contains(compactAnswer, "->"+strings.ReplaceAll(returnType, " ", "")) {
			return true
		}
	}
	return false
}

var quotedLiteralRe = regexp.MustCompile(`"([^"]{2,120})"`)

// requiredBehaviorMissing reports whether a double-quoted literal the
// user tied to an error/message requirement is absent from the answer.
// Offsets index the original query; only the extracted window is
// lowered, since ToLower does not preserve byte lengths for all of
// UTF-8.
func requiredBehaviorMissing(userQuery, answer string) bool {
	for _, m := range quotedLiteralRe.FindAllStringSubmatchIndex(userQuery, -1) {
		literal := userQuery[m[2]:m[3]]
		contextStart := m[0] - 80
		if contextStart < 0 {
			contextStart = 0
		}
		context := strings.ToLower(userQuery[contextStart:m[0]])
		if !strings.Contains(context, "message") && !strings.Contains(context, "error") &&
			!strings.Contains(context, "raise") && !strings.Contains(context, "return") {
			continue
		}
		if !strings.Contains(answer, literal) {
			return true
		}
	}
	return false
}

var normalizationCues = []string{
	"case-insensitive", "case insensitive", "casefold", "case-fold",
	"case fold", "ignore case", "ignoring case", "lowercase",
	"lower-case", "lower case",
}

// normalizationMissing reports whether the user asked for case folding
// and the answer shows no sign of it.
func normalizationMissing(userQuery, answer string) bool {
	lowerQuery := strings.ToLower(userQuery)
	requested := false
	for _, cue := range normalizationCues {
		if strings.Contains(lowerQuery, cue) {
			requested = true
			break
		}
	}
	if !requested {
		return false
	}
	lowerAnswer := strings.ToLower(answer)
	return !strings.Contains(lowerAnswer, "lower") && !strings.Contains(lowerAnswer, "fold")
}

// computeConfidence applies the deterministic correctness backstop to
// the chairman's self-report: cumulative deductions, floored at 30. An
// answer contradicting the stated signature is additionally capped at
// 50, since self-reported confidence is miscalibrated against objective
// correctness signals.
func computeConfidence(selfReported int, userQuery, answer string) int {
	confidence := selfReported
	sigViolated := signatureViolated(userQuery, answer)
	if sigViolated {
		confidence -= 30
	}
	if requiredBehaviorMissing(userQuery, answer) {
		confidence -= 20
	}
	if normalizationMissing(userQuery, answer) {
		confidence -= 15
	}
	if sigViolated && confidence > 50 {
		confidence = 50
	}
	if confidence < 30 {
		confidence = 30
	}
	return confidence
}

var labelMentionRe = regexp.MustCompile(`Response [A-E]`)

// attributePrimarySource tags the final answer with the Stage 1
// participant the chairman's output explicitly names, or failing that
// the one it most closely matches.
func attributePrimarySource(answer string, labeled []anonymizedResponse) string {
	if len(labeled) == 0 {
		return ""
	}

	byLabel := make(map[string]string, len(labeled))
	for _, r := range labeled {
		byLabel[r.Label] = r.Model
	}

	mentioned := make(map[string]struct{})
	for _, label := range labelMentionRe.FindAllString(answer, -1) {
		if _, ok := byLabel[label]; ok {
			mentioned[label] = struct{}{}
		}
	}
	if len(mentioned) == 1 {
		for label := range mentioned {
			return byLabel[label]
		}
	}

	best := labeled[0].Model
	bestScore := -1.0
	for _, r := range labeled {
		score := wordOverlap(answer, r.Text)
		if score > bestScore {
			bestScore = score
			best = r.Model
		}
	}
	return best
}

// wordOverlap is the Jaccard similarity between the word sets of a and b.
func wordOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(setA)+len(setB)-shared)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(w, ".,;:!?()[]{}`\"'")] = struct{}{}
	}
	delete(out, "")
	return out
}

func lastUserContent(history []ChatMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}

func firstUserContent(history []ChatMessage) string {
	for _, m := range history {
		if m.Role == "user" {
			return m.Content
		}
	}
	return ""
}

// persistTurn hands the completed turn to the conversation store keyed
// by fingerprint. Persistence failures are logged, never surfaced.
func (e *Engine) persistTurn(ctx context.Context, roster Roster, adapter ModelAdapter, history []ChatMessage, source string, result *CouncilResult) {
	firstMessage := firstUserContent(history)
	fingerprint := Fingerprint(source, firstMessage)
	now := time.Now().UTC()

	conv, err := e.store.Get(ctx, fingerprint)
	if err != nil || conv == nil {
		conv = &Conversation{
			ID:        fingerprint,
			Source:    source,
			Title:     "New Conversation",
			CreatedAt: now,
		}
	}
	isNew := len(conv.Messages) == 0

	conv.Messages = append(conv.Messages,
		Message{Role: "user", Content: lastUserContent(history)},
		Message{
			Role:    "assistant",
			Content: result.Final.Text,
			Stage1:  result.Stage1,
			Stage2:  result.Stage2,
			Final:   &result.Final,
		},
	)
	conv.UpdatedAt = now

	if err := e.store.Upsert(ctx, conv); err != nil {
		log.Printf("council: persist %s: %v", fingerprint, err)
		return
	}

	if isNew {
		go e.generateTitle(roster, adapter, fingerprint, firstMessage)
	}
}

// generateTitle asks the chairman for a short conversation title in the
// background. Failures keep the default title and never block anything.
func (e *Engine) generateTitle(roster Roster, adapter ModelAdapter, fingerprint, userQuery string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prompt := []ChatMessage{{Role: "user", Content: fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)}}

	raw, err := adapter.Complete(ctx, roster.Chairman, prompt, 30*time.Second)
	if err != nil {
		log.Printf("council: title generation for %s: %v", fingerprint, err)
		return
	}

	title := strings.Trim(strings.TrimSpace(raw), "\"'")
	if title == "" {
		return
	}
	if len(title) > 50 {
		title = title[:47] + "..."
	}

	if err := e.store.UpdateTitle(ctx, fingerprint, title); err != nil {
		log.Printf("council: persist title for %s: %v", fingerprint, err)
	}
}
