package mis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFeedStringifiesNumericIdentifiers(t *testing.T) {
	raw := []byte(`{"InformerResult":[
		{"Last_Name":"Иванов","First_Name":"Иван","Book_Id_Mis":12345,"PatientID":"  77 ","Room":null},
		{"Last_Name":"Петров","Book_Id_Mis":"B-9","PatientID":1.5}
	]}`)

	feed, err := DecodeFeed(raw)
	require.NoError(t, err)
	require.Len(t, feed.Records, 2)
	assert.Equal(t, "12345", feed.Records[0].BookIDMis.String())
	assert.Equal(t, "77", feed.Records[0].PatientID.String())
	assert.Equal(t, "", feed.Records[0].Room.String())
	assert.Equal(t, "B-9", feed.Records[1].BookIDMis.String())
	assert.Equal(t, "1.5", feed.Records[1].PatientID.String())
	assert.Equal(t, 2, feed.Received())
}

func TestDecodeFeedNonArrayResultIsEmpty(t *testing.T) {
	for _, raw := range []string{
		`{"InformerResult":{"error":"none"}}`,
		`{"InformerResult":null}`,
		`{"Other":[]}`,
	} {
		feed, err := DecodeFeed([]byte(raw))
		require.NoError(t, err, raw)
		assert.Empty(t, feed.Records, raw)
		assert.Zero(t, feed.Received(), raw)
	}
}

func TestDecodeFeedCountsUndecodableElements(t *testing.T) {
	feed, err := DecodeFeed([]byte(`{"InformerResult":[{"Last_Name":1},{"Last_Name":"A"},"junk"]}`))
	require.NoError(t, err)
	assert.Len(t, feed.Records, 1)
	assert.Equal(t, 2, feed.Invalid)
	assert.Equal(t, 3, feed.Received())
}

func TestDecodeFeedMalformedDocument(t *testing.T) {
	_, err := DecodeFeed([]byte(`<html>oops</html>`))
	require.Error(t, err)
}
