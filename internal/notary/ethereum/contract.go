package ethereum

// registryABI describes the voter registry contract: a single write method
// and the event it emits. The voter ID topic is the keccak256 of the string.
const registryABI = `[
	{
		"inputs": [
			{"internalType": "string", "name": "_voterId", "type": "string"},
			{"internalType": "string", "name": "_hash", "type": "string"}
		],
		"name": "registerVoter",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "string", "name": "voterId", "type": "string"},
			{"indexed": false, "internalType": "string", "name": "hash", "type": "string"}
		],
		"name": "VoterRegistered",
		"type": "event"
	}
]`

const (
	methodRegister  = "registerVoter"
	eventRegistered = "VoterRegistered"
)
