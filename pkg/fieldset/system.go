package fieldset

// IPFields are the header-derived fields the framework populates for
// every validated response, ahead of the probe module's own fields.
var IPFields = []Def{
	{Name: "saddr", Type: TypeString, Desc: "source IP address of response"},
	{Name: "daddr", Type: TypeString, Desc: "destination IP address of response"},
	{Name: "ipid", Type: TypeInt, Desc: "IP identification number of response"},
	{Name: "ttl", Type: TypeInt, Desc: "time-to-live of response packet"},
}

// SysFields are appended by the framework after the probe module has
// classified the response.
var SysFields = []Def{
	{Name: "repeat", Type: TypeBool, Desc: "is response a repeat response from host"},
	{Name: "cooldown", Type: TypeBool, Desc: "was response received during the cooldown period"},
	{Name: "timestamp_str", Type: TypeString, Desc: "timestamp of when response arrived in ISO8601 format"},
	{Name: "timestamp_ts", Type: TypeInt, Desc: "timestamp of when response arrived in seconds since Epoch"},
	{Name: "timestamp_us", Type: TypeInt, Desc: "microsecond part of timestamp"},
}
