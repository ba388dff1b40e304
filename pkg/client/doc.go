// Package client is the Go SDK for the voterledger registrar.
//
// Register a voter with a precomputed face encoding:
//
//	c, err := client.New("http://localhost:8080")
//	res, err := c.RegisterVoter(ctx, client.RegisterRequest{
//	    Name:               "Alice",
//	    Address:            "1 Main St",
//	    DOB:                "1990-01-01",
//	    VoterID:            "V123",
//	    BiometricSignature: encoding,
//	})
//	if errors.Is(err, client.ErrDuplicateID) { ... }
//
// Or let the registrar extract the encoding from a face image:
//
//	res, err := c.RegisterVoterWithFaceScan(ctx, fields, "alice.jpg", imageBytes)
//
// Operator endpoints need a bearer token minted by `voterctl token`:
//
//	op := client.MustNew(base, client.WithBearerToken(token))
//	n, err := op.Recover(ctx)
package client
