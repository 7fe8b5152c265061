package profile

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDirectory reads profile snapshots from the product's DynamoDB
// profiles table. The table is owned by the profile service; this client is
// read-only.
type DynamoDirectory struct {
	Client *dynamodb.Client
	Table  string
}

func (d *DynamoDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	out, err := d.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &d.Table,
		Key: map[string]types.AttributeValue{
			"userId": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return Profile{}, fmt.Errorf("get profile %q: %w", userID, err)
	}
	if out.Item == nil {
		return Profile{}, ErrNotFound
	}

	var p Profile
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return Profile{}, fmt.Errorf("unmarshal profile %q: %w", userID, err)
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	return p, nil
}
