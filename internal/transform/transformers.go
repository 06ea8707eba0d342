package transform

import (
	"strings"
	"time"
)

// Stock transformers shipped with the tool. Configs reference them by the
// identifiers registered here.
func init() {
	Register("transform_product", transformProduct)
	Register("transform_user", transformUser)
}

// transformProduct prepares rows of the products table: renames name to
// product_name, derives is_on_sale from price, fills defaults for optional
// fields, and coerces created_at to epoch seconds.
func transformProduct(doc Document) (Document, error) {
	if name, ok := doc["name"]; ok {
		doc["product_name"] = name
		delete(doc, "name")
	}

	price, _ := toFloat(doc["price"])
	doc["is_on_sale"] = price < 10.0

	if _, ok := doc["category"]; !ok {
		doc["category"] = "Uncategorized"
	}
	if _, ok := doc["brand"]; !ok {
		doc["brand"] = "Generic"
	}
	if _, ok := doc["stock_quantity"]; !ok {
		doc["stock_quantity"] = 0
	}
	doc["tags"] = stringList(doc["tags"])
	doc["created_at"] = epochOrNow(doc["created_at"])
	return doc, nil
}

// transformUser prepares rows of the users table: builds full_name, fills
// account defaults, normalizes the roles array, and coerces registered_at.
func transformUser(doc Document) (Document, error) {
	if _, ok := doc["full_name"]; !ok {
		first, hasFirst := doc["first_name"].(string)
		last, hasLast := doc["last_name"].(string)
		username, hasUsername := doc["username"].(string)
		switch {
		case hasFirst && hasLast:
			doc["full_name"] = first + " " + last
		case hasUsername:
			doc["full_name"] = strings.ToUpper(username)
		default:
			doc["full_name"] = "Unknown User"
		}
	}

	if _, ok := doc["account_type"]; !ok {
		doc["account_type"] = "free"
	}
	if _, ok := doc["status"]; !ok {
		doc["status"] = "active"
	}
	if _, ok := doc["roles"]; !ok {
		doc["roles"] = []string{"user"}
	} else {
		doc["roles"] = stringList(doc["roles"])
	}
	doc["registered_at"] = epochOrNow(doc["registered_at"])
	if _, ok := doc["is_verified"]; !ok {
		doc["is_verified"] = false
	}
	return doc, nil
}

// stringList normalizes a value into a string slice: comma-separated strings
// are split, existing slices pass through, anything else becomes empty.
func stringList(value any) any {
	switch v := value.(type) {
	case nil:
		return []string{}
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		if out == nil {
			out = []string{}
		}
		return out
	case []string, []any:
		return v
	}
	return []string{}
}

// epochOrNow converts a timestamp-like value to epoch seconds, falling back
// to the current time when the value is absent or unparseable.
func epochOrNow(value any) int64 {
	if value == nil {
		return time.Now().Unix()
	}
	epoch, err := DateToEpoch(value)
	if err != nil {
		return time.Now().Unix()
	}
	return epoch
}
