package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"couple-talk/internal/domain"
)

const (
	skMeta        = "META"
	skSummary     = "SUMMARY"
	skInsight     = "INSIGHT"
	skPrefixTurn  = "TURN#"
	batchSize     = 25
	batchAttempts = 4
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client stores sessions, turns, summaries and insights in a single DynamoDB
// table partitioned by session.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	backoff   time.Duration
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now, backoff: 50 * time.Millisecond}, nil
}

// sessionPK returns the partition key shared by every item of a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// turnSK zero-pads seq so lexical sort key order matches append order.
func turnSK(seq int) string {
	return fmt.Sprintf("%s%010d", skPrefixTurn, seq)
}

func itemKey(sessionID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// CreateSession writes the session metadata record. Session ids are never
// reused.
func (c *Client) CreateSession(ctx context.Context, session domain.Session) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                sessionItem(session),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	return nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(sessionID, skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, domain.ErrNotFound
	}
	session, err := itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	return session, nil
}

// TransitionSession moves an active session to a terminal status.
func (c *Client) TransitionSession(ctx context.Context, sessionID string, tr domain.SessionTransition) error {
	update := "SET #status = :status, endedAt = :endedAt"
	values := map[string]types.AttributeValue{
		":status":  &types.AttributeValueMemberS{Value: string(tr.Status)},
		":endedAt": &types.AttributeValueMemberS{Value: formatTime(tr.EndedAt)},
		":active":  &types.AttributeValueMemberS{Value: string(domain.StatusActive)},
	}
	if tr.IsResolved != nil {
		update += ", isResolved = :resolved"
		values[":resolved"] = &types.AttributeValueMemberBOOL{Value: *tr.IsResolved}
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       itemKey(sessionID, skMeta),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_exists(PK) AND #status = :active"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return fmt.Errorf("repository: TransitionSession %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("repository: TransitionSession: %w", err)
	}
	return nil
}

// AppendTurn reserves the next sequence number by incrementing the session's
// turn counter, then writes the turn under it. A failed turn write leaves a
// gap in the sequence that ListTurns skips over.
func (c *Client) AppendTurn(ctx context.Context, sessionID string, role domain.Role, content string) (domain.Turn, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      itemKey(sessionID, skMeta),
		UpdateExpression:         aws.String("ADD turnCount :one"),
		ConditionExpression:      aws.String("attribute_exists(PK) AND #status = :active"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":    &types.AttributeValueMemberN{Value: "1"},
			":active": &types.AttributeValueMemberS{Value: string(domain.StatusActive)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if isConditionFailed(err) {
		return domain.Turn{}, fmt.Errorf("repository: AppendTurn %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: AppendTurn reserve seq: %w", err)
	}
	seq, err := intAttr(out.Attributes, "turnCount")
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: AppendTurn decode seq: %w", err)
	}

	turn := domain.Turn{
		SessionID: sessionID,
		Seq:       seq,
		Role:      role,
		Content:   content,
		CreatedAt: c.now().UTC(),
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: AppendTurn put: %w", err)
	}
	return turn, nil
}

// ListTurns returns every turn of a session in append order.
func (c *Client) ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})

	var turns []domain.Turn
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns query: %w", err)
		}
		for _, item := range page.Items {
			turn, err := itemToTurn(sessionID, item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
	}
	return turns, nil
}

// GetSummary returns nil when the session has no summary yet.
func (c *Client) GetSummary(ctx context.Context, sessionID string) (*domain.ConversationSummary, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(sessionID, skSummary),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetSummary get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	summary, err := itemToSummary(sessionID, out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetSummary decode: %w", err)
	}
	return &summary, nil
}

// UpsertSummary replaces the stored summary. A write that would lower the
// stored coverage is dropped, so racing writers from other processes can only
// move the summary forward.
func (c *Client) UpsertSummary(ctx context.Context, summary domain.ConversationSummary) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                summaryItem(summary),
		ConditionExpression: aws.String("attribute_not_exists(SK) OR summarizedCount <= :count"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":count": &types.AttributeValueMemberN{Value: strconv.Itoa(summary.SummarizedMessageCount)},
		},
	})
	if isConditionFailed(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: UpsertSummary: %w", err)
	}
	return nil
}

func (c *Client) DeleteSummary(ctx context.Context, sessionID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(sessionID, skSummary),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteSummary: %w", err)
	}
	return nil
}

func (c *Client) SaveInsight(ctx context.Context, insight domain.SessionInsight) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      insightItem(insight),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveInsight: %w", err)
	}
	return nil
}

func (c *Client) GetInsight(ctx context.Context, sessionID string) (domain.SessionInsight, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(sessionID, skInsight),
	})
	if err != nil {
		return domain.SessionInsight{}, fmt.Errorf("repository: GetInsight get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionInsight{}, domain.ErrNotFound
	}
	insight, err := itemToInsight(sessionID, out.Item)
	if err != nil {
		return domain.SessionInsight{}, fmt.Errorf("repository: GetInsight decode: %w", err)
	}
	return insight, nil
}

// DeleteSession removes every item in the session's partition. The metadata
// record goes last so an interrupted delete can be retried.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		},
		ProjectionExpression: aws.String("PK, SK"),
		ConsistentRead:       aws.Bool(true),
	})

	var (
		keys    []map[string]types.AttributeValue
		hasMeta bool
	)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("repository: DeleteSession query: %w", err)
		}
		for _, item := range page.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return fmt.Errorf("repository: DeleteSession key: %w", err)
			}
			if sk == skMeta {
				hasMeta = true
				continue
			}
			keys = append(keys, itemKey(sessionID, sk))
		}
	}
	if hasMeta {
		keys = append(keys, itemKey(sessionID, skMeta))
	}

	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.batchDelete(ctx, keys[start:end]); err != nil {
			return fmt.Errorf("repository: DeleteSession: %w", err)
		}
	}
	return nil
}

func (c *Client) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	requests := make([]types.WriteRequest, 0, len(keys))
	for _, key := range keys {
		requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
	}
	pending := map[string][]types.WriteRequest{c.tableName: requests}

	for attempt := 0; attempt < batchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return fmt.Errorf("batch write: %d items still unprocessed", len(pending[c.tableName]))
}

func sessionItem(s domain.Session) map[string]types.AttributeValue {
	item := itemKey(s.ID, skMeta)
	item["sessionId"] = &types.AttributeValueMemberS{Value: s.ID}
	item["userId"] = &types.AttributeValueMemberS{Value: s.UserID}
	item["status"] = &types.AttributeValueMemberS{Value: string(s.Status)}
	item["startedAt"] = &types.AttributeValueMemberS{Value: formatTime(s.StartedAt)}
	item["turnCount"] = &types.AttributeValueMemberN{Value: "0"}
	return item
}

func turnItem(t domain.Turn) map[string]types.AttributeValue {
	item := itemKey(t.SessionID, turnSK(t.Seq))
	item["seq"] = &types.AttributeValueMemberN{Value: strconv.Itoa(t.Seq)}
	item["role"] = &types.AttributeValueMemberS{Value: string(t.Role)}
	item["content"] = &types.AttributeValueMemberS{Value: t.Content}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(t.CreatedAt)}
	return item
}

func summaryItem(s domain.ConversationSummary) map[string]types.AttributeValue {
	item := itemKey(s.SessionID, skSummary)
	item["text"] = &types.AttributeValueMemberS{Value: s.Text}
	item["summarizedCount"] = &types.AttributeValueMemberN{Value: strconv.Itoa(s.SummarizedMessageCount)}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(s.UpdatedAt)}
	return item
}

func insightItem(in domain.SessionInsight) map[string]types.AttributeValue {
	emotions := make([]types.AttributeValue, 0, len(in.Emotions))
	for _, e := range in.Emotions {
		emotions = append(emotions, &types.AttributeValueMemberS{Value: e})
	}
	item := itemKey(in.SessionID, skInsight)
	item["title"] = &types.AttributeValueMemberS{Value: in.Title}
	item["summary"] = &types.AttributeValueMemberS{Value: in.Summary}
	item["rootCause"] = &types.AttributeValueMemberS{Value: in.RootCause}
	item["emotions"] = &types.AttributeValueMemberL{Value: emotions}
	item["suggestedApproach"] = &types.AttributeValueMemberS{Value: in.SuggestedApproach}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(in.CreatedAt)}
	return item
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Session{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Session{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Session{}, err
	}
	startedAt, err := timeAttr(item, "startedAt")
	if err != nil {
		return domain.Session{}, err
	}
	s := domain.Session{
		ID:        id,
		UserID:    userID,
		Status:    domain.SessionStatus(status),
		StartedAt: startedAt,
	}
	if _, ok := item["endedAt"]; ok {
		endedAt, err := timeAttr(item, "endedAt")
		if err != nil {
			return domain.Session{}, err
		}
		s.EndedAt = &endedAt
	}
	if v, ok := item["isResolved"].(*types.AttributeValueMemberBOOL); ok {
		resolved := v.Value
		s.IsResolved = &resolved
	}
	return s, nil
}

func itemToTurn(sessionID string, item map[string]types.AttributeValue) (domain.Turn, error) {
	seq, err := intAttr(item, "seq")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, _ := timeAttr(item, "createdAt") // allow missing
	return domain.Turn{
		SessionID: sessionID,
		Seq:       seq,
		Role:      domain.Role(role),
		Content:   content,
		CreatedAt: createdAt,
	}, nil
}

func itemToSummary(sessionID string, item map[string]types.AttributeValue) (domain.ConversationSummary, error) {
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	count, err := intAttr(item, "summarizedCount")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	updatedAt, _ := timeAttr(item, "updatedAt") // allow missing
	return domain.ConversationSummary{
		SessionID:              sessionID,
		Text:                   text,
		SummarizedMessageCount: count,
		UpdatedAt:              updatedAt,
	}, nil
}

func itemToInsight(sessionID string, item map[string]types.AttributeValue) (domain.SessionInsight, error) {
	title, err := strAttr(item, "title")
	if err != nil {
		return domain.SessionInsight{}, err
	}
	summary, err := strAttr(item, "summary")
	if err != nil {
		return domain.SessionInsight{}, err
	}
	rootCause, _ := strAttr(item, "rootCause")
	approach, _ := strAttr(item, "suggestedApproach")
	createdAt, _ := timeAttr(item, "createdAt")

	var emotions []string
	if list, ok := item["emotions"].(*types.AttributeValueMemberL); ok {
		for _, v := range list.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				emotions = append(emotions, s.Value)
			}
		}
	}
	return domain.SessionInsight{
		SessionID:         sessionID,
		Title:             title,
		Summary:           summary,
		RootCause:         rootCause,
		Emotions:          emotions,
		SuggestedApproach: approach,
		CreatedAt:         createdAt,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
