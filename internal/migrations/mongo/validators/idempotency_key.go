package validators

import "go.mongodb.org/mongo-driver/bson"

// IdempotencyKeyValidator keys documents by the UUID string itself.
var IdempotencyKeyValidator = bson.M{
	"$jsonSchema": bson.M{
		"bsonType": "object",
		"required": []string{
			"_id",
			"booking_id",
			"finalized",
			"created_at",
		},
		"additionalProperties": false,

		"properties": bson.M{
			"_id": bson.M{
				"bsonType":  "string",
				"minLength": 36,
				"maxLength": 36,
			},

			"booking_id": bson.M{
				"bsonType": "objectId",
			},

			"finalized": bson.M{
				"bsonType": "bool",
			},

			"created_at": bson.M{
				"bsonType": "date",
			},

			"locked_at": bson.M{
				"bsonType": "date",
			},
		},
	},
}
