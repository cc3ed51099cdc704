package sqlscan

import "strings"

var keywords = map[string]struct{}{}

func init() {
	for _, kw := range strings.Fields(`
		ADD ALL ALTER AND ANY AS ASC BETWEEN BY CASE CAST CHECK COLLATE COLUMN
		CONSTRAINT CREATE CROSS CURRENT_DATE CURRENT_TIME CURRENT_TIMESTAMP
		DATABASE DEFAULT DELETE DESC DISTINCT DROP ELSE END ESCAPE EXCEPT EXISTS
		FALSE FETCH FIRST FOR FOREIGN FROM FULL GROUP HAVING IF ILIKE IN INDEX
		INNER INSERT INTERSECT INTERVAL INTO IS JOIN KEY LAST LEFT LIKE LIMIT
		NATURAL NOT NULL NULLS OFFSET ON OR ORDER OUTER OVER PARTITION PRIMARY
		REFERENCES REGEXP REPLACE RETURNING RIGHT ROWS SELECT SET SOME STRAIGHT_JOIN
		TABLE THEN TO TOP TRUE UNION UNIQUE UPDATE USING VALUES WHEN WHERE WINDOW WITH
	`) {
		keywords[kw] = struct{}{}
	}
}

// IsKeyword reports whether word is a reserved SQL keyword.
func IsKeyword(word string) bool {
	_, ok := keywords[strings.ToUpper(word)]
	return ok
}
