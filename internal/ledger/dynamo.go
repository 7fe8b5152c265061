package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoLedger debits token balances in the product's DynamoDB ledger table.
//
// The debit is a single conditional UpdateItem: `ADD tokenBalance :neg` guarded
// by `tokenBalance >= :amount`, so concurrent debits can never drive a balance
// negative even though the matchmaker itself treats debits as fire-and-forget.
type DynamoLedger struct {
	Client *dynamodb.Client
	Table  string
}

func (l *DynamoLedger) Balance(ctx context.Context, userID string) (int64, error) {
	out, err := l.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &l.Table,
		Key: map[string]types.AttributeValue{
			"userId": &types.AttributeValueMemberS{Value: userID},
		},
		ProjectionExpression: aws.String("tokenBalance"),
	})
	if err != nil {
		return 0, fmt.Errorf("get balance for %q: %w", userID, err)
	}
	if out.Item == nil {
		return 0, nil
	}
	raw, ok := out.Item["tokenBalance"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	balance, err := strconv.ParseInt(raw.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance for %q: %w", userID, err)
	}
	return balance, nil
}

func (l *DynamoLedger) Debit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return nil
	}

	_, err := l.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &l.Table,
		Key: map[string]types.AttributeValue{
			"userId": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression:    aws.String("ADD tokenBalance :neg"),
		ConditionExpression: aws.String("tokenBalance >= :amount"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":neg":    &types.AttributeValueMemberN{Value: strconv.FormatInt(-amount, 10)},
			":amount": &types.AttributeValueMemberN{Value: strconv.FormatInt(amount, 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("debit %d from %q: %w", amount, userID, ErrInsufficientFunds)
		}
		return fmt.Errorf("debit %d from %q: %w", amount, userID, err)
	}
	return nil
}
