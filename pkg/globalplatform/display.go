package globalplatform

import "fmt"

// PrintSession prints the negotiated channel parameters.
func PrintSession(label string, ch *SecureChannel) {
	p, ok := ch.ActiveProtocol()
	if !ok {
		fmt.Printf("  %s - secure channel:          [%s]\n", label, ch.State())
		return
	}
	fmt.Printf("  %s - secure channel:          [%s]\n", label, p)
	fmt.Printf("    Key version:      0x%02X\n", ch.KeyVersion())
	fmt.Printf("    Security level:   %s\n", ch.SecurityPolicy())
	fmt.Printf("    Max command data: %d bytes\n", ch.MaxCommandSize())
	for _, f := range protocolFlags(p) {
		fmt.Printf("    %-17s %s\n", f.name+":", yesNo(f.set))
	}
}

type protocolFlag struct {
	name string
	set  bool
}

func protocolFlags(p Protocol) []protocolFlag {
	switch v := p.(type) {
	case SCP01:
		return []protocolFlag{
			{"Three keys", v.ThreeKeys},
			{"Explicit init", v.ExplicitInit},
			{"ICV encryption", v.ICVEncrypt},
		}
	case SCP02:
		return []protocolFlag{
			{"Three keys", v.ThreeKeys},
			{"C-MAC unmodified", v.CMACUnmodified},
			{"Explicit init", v.ExplicitInit},
			{"ICV MAC over AID", v.ICVMACAID},
			{"ICV encryption", v.ICVEncrypt},
			{"R-MAC support", v.RMACSupport},
			{"Known challenge", v.WellKnownChallenge},
		}
	case SCP03:
		return []protocolFlag{
			{"Pseudo-random", v.PseudoRandomChallenge},
			{"R-MAC support", v.RMACSupport},
			{"R-ENC support", v.RENCSupport},
		}
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// PrintCPLC prints the CPLC fields the tools care about.
func PrintCPLC(c *CPLC) {
	fmt.Println("  CPLC:")
	fmt.Printf("    IC fabricator:    %04X\n", c.ICFabricator)
	fmt.Printf("    IC type:          %04X\n", c.ICType)
	fmt.Printf("    OS ID:            %04X  (release %04X, level %04X)\n", c.OperatingSystemID, c.OSReleaseDate, c.OSReleaseLevel)
	fmt.Printf("    IC fabricated:    %04X\n", c.ICFabricationDate)
	fmt.Printf("    IC serial:        %08X  (batch %04X)\n", c.ICSerialNumber, c.ICBatchIdentifier)
	fmt.Printf("    Personalizer:     %04X  (date %04X, equipment %08X)\n", c.Personalizer, c.PersonalizationDate, c.PersonalizationEquipment)
}

// PrintKeyInformation prints the key information template.
func PrintKeyInformation(keys []KeyInfo) {
	fmt.Printf("  Keys on card:                       [%d]\n", len(keys))
	for _, k := range keys {
		fmt.Printf("    ID 0x%02X  version 0x%02X  %-4s %d bytes\n", k.ID, k.Version, k.Cipher(), k.Length)
	}
}
